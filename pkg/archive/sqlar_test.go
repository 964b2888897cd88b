package archive

import (
	"bytes"
	"compress/zlib"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/arcmount/arcmount/pkg/common"
)

func buildSqlar(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.sqlar")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sqlar(name TEXT PRIMARY KEY, mode INT, mtime INT, sz INT, data BLOB)`)
	require.NoError(t, err)

	for name, content := range files {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		_, err = db.Exec(`INSERT INTO sqlar(name, mode, mtime, sz, data) VALUES (?, ?, ?, ?, ?)`,
			name, 0o100644, 1700000000, len(content), buf.Bytes())
		require.NoError(t, err)
	}
	return path
}

func TestSqlarReaderWalkAndOpen(t *testing.T) {
	path := buildSqlar(t, map[string]string{
		"notes.txt": "sqlar archive contents",
	})
	src, err := OpenLocal(path)
	require.NoError(t, err)

	r, err := NewSqlarReader(src, path)
	require.NoError(t, err)
	defer r.Close()

	var entries []string
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e.Name)
		return nil
	}))
	require.ElementsMatch(t, []string{"notes.txt"}, entries)
}

func TestSqlarReaderOpenInflates(t *testing.T) {
	path := buildSqlar(t, map[string]string{"a.txt": "round trip content"})
	src, err := OpenLocal(path)
	require.NoError(t, err)
	r, err := NewSqlarReader(src, path)
	require.NoError(t, err)
	defer r.Close()

	var found *common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		if e.Name == "a.txt" {
			found = e
		}
		return nil
	}))
	require.NotNil(t, found)

	rs, err := r.Open(found)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "round trip content", string(data))
}
