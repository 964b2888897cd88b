package mountsource

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func mustFolder(t *testing.T, files map[string]string) *FolderSource {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	src, err := NewFolderSource(dir)
	require.NoError(t, err)
	return src
}

func readAll(t *testing.T, src Source, fi *common.FileInfo) string {
	t.Helper()
	rs, err := src.Open(fi, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	return string(data)
}

// TestUnionSourceOverwriteAndVersions: folder A has
// /ufo = "iriya in folder 1\n", folder B has /ufo = "iriya\n"; union-mount
// [A, B]. B (the rightmost child) wins the default read; the combined
// version history is 2 entries, oldest (version 1) is A's content.
func TestUnionSourceOverwriteAndVersions(t *testing.T) {
	a := mustFolder(t, map[string]string{"ufo": "iriya in folder 1\n"})
	b := mustFolder(t, map[string]string{"ufo": "iriya\n"})
	u := NewUnionSource([]Source{a, b}, UnionCacheLimits{})

	fi, err := u.Lookup("/ufo", 0)
	require.NoError(t, err)
	require.Equal(t, "iriya\n", readAll(t, u, fi))

	n, err := u.Versions("/ufo")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	oldest, err := u.Lookup("/ufo", 1)
	require.NoError(t, err)
	require.Equal(t, "iriya in folder 1\n", readAll(t, u, oldest))
}

func TestUnionSourceListMergesSets(t *testing.T) {
	a := mustFolder(t, map[string]string{"one": "1"})
	b := mustFolder(t, map[string]string{"two": "2"})
	u := NewUnionSource([]Source{a, b}, UnionCacheLimits{MaxEntries: 8})

	children, err := u.List("/")
	require.NoError(t, err)
	require.Contains(t, children, "one")
	require.Contains(t, children, "two")

	// second call exercises the cache-hit path
	children2, err := u.List("/")
	require.NoError(t, err)
	require.Len(t, children2, len(children))
}

func TestUnionSourceMissingPath(t *testing.T) {
	a := mustFolder(t, map[string]string{"one": "1"})
	u := NewUnionSource([]Source{a}, UnionCacheLimits{})
	_, err := u.Lookup("/nope", 0)
	require.ErrorIs(t, err, common.ErrNotFound)
}
