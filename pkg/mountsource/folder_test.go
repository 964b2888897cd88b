package mountsource

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func TestFolderSourceLookupListOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufo"), []byte("iriya\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	src, err := NewFolderSource(dir)
	require.NoError(t, err)
	defer src.Close()

	fi, err := src.Lookup("/ufo", 0)
	require.NoError(t, err)
	require.EqualValues(t, 6, fi.Size)
	require.False(t, fi.IsDir())

	rs, err := src.Open(fi, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "iriya\n", string(data))

	children, err := src.List("/")
	require.NoError(t, err)
	require.Contains(t, children, "ufo")
	require.Contains(t, children, "sub")
	require.True(t, children["sub"].IsDir())

	_, err = src.Lookup("/missing", 0)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestFolderSourceListModeCheaperPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))

	src, err := NewFolderSource(dir)
	require.NoError(t, err)

	modes, err := src.ListMode("/")
	require.NoError(t, err)
	require.Contains(t, modes, "a")
}
