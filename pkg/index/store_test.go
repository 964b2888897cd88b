package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func buildTestIndex(t *testing.T, entries []common.Entry, fp common.Fingerprint) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.index.sqlite")

	b, err := NewBuilder(path, fp, `{"format":"tar"}`)
	require.NoError(t, err)
	for i := range entries {
		require.NoError(t, b.InsertEntry(&entries[i]))
	}
	require.NoError(t, b.Commit())

	s, err := Open(path)
	require.NoError(t, err)
	return s
}

func TestBuilderAndLookup(t *testing.T) {
	fp := common.Fingerprint{Size: 1024, Mtime: time.Unix(1000, 0)}
	entries := []common.Entry{
		{Path: "/", Name: "bar", Offset: 512, Size: 4, Mtime: time.Unix(1000, 0), Mode: 0o644, Type: common.TypeRegular},
	}
	s := buildTestIndex(t, entries, fp)
	defer s.Close()

	e, err := s.Lookup("/", "bar", 0)
	require.NoError(t, err)
	require.EqualValues(t, 4, e.Size)
	require.EqualValues(t, 512, e.Offset)

	_, err = s.Lookup("/", "missing", 0)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestVersionsAndOrdering(t *testing.T) {
	fp := common.Fingerprint{Size: 2048}
	entries := []common.Entry{
		{Path: "/", Name: "ufo", Offset: 100, Size: 3, Mode: 0o644},
		{Path: "/", Name: "ufo", Offset: 200, Size: 5, Mode: 0o644},
	}
	s := buildTestIndex(t, entries, fp)
	defer s.Close()

	n, err := s.Versions("/", "ufo")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	newest, err := s.Lookup("/", "ufo", 0)
	require.NoError(t, err)
	require.EqualValues(t, 200, newest.Offset)

	oldest, err := s.Lookup("/", "ufo", 1)
	require.NoError(t, err)
	require.EqualValues(t, 100, oldest.Offset)
}

func TestValidateRejectsMismatch(t *testing.T) {
	fp := common.Fingerprint{Size: 1000}
	s := buildTestIndex(t, nil, fp)
	defer s.Close()

	require.NoError(t, s.Validate(fp, `{"format":"tar"}`, false))

	bad := common.Fingerprint{Size: 999}
	require.ErrorIs(t, s.Validate(bad, `{"format":"tar"}`, false), common.ErrFingerprintDiff)

	require.Error(t, s.Validate(fp, `{"format":"zip"}`, false))
}

func TestListDirectory(t *testing.T) {
	fp := common.Fingerprint{Size: 10}
	entries := []common.Entry{
		{Path: "/dir", Name: "a", Offset: 1, Size: 1, Mode: 0o644},
		{Path: "/dir", Name: "b", Offset: 2, Size: 1, Mode: 0o644},
		{Path: "/", Name: "dir", Offset: 0, Size: 0, Mode: 0o755, Type: common.TypeDirectory},
	}
	s := buildTestIndex(t, entries, fp)
	defer s.Close()

	list, err := s.List("/dir")
	require.NoError(t, err)
	require.Len(t, list, 2)
}
