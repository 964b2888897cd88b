package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestZipReaderWalkAndOpen(t *testing.T) {
	data := buildZip(t, map[string]string{
		"readme.txt": "zip contents here",
		"dir/x.bin":  "binary-ish data",
	})
	src := &memByteSource{data: data}
	r, err := NewZipReader(src)
	require.NoError(t, err)

	var entries []*common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)

	var readme *common.Entry
	for _, e := range entries {
		if e.Name == "readme.txt" {
			readme = e
		}
	}
	require.NotNil(t, readme)

	rs, err := r.Open(readme)
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "zip contents here", string(got))
}

// A reader opened over an archive whose index is being reused never has
// Walk called on it; Open must resolve entries from index rows alone.
func TestZipReaderOpenWithoutWalk(t *testing.T) {
	data := buildZip(t, map[string]string{"readme.txt": "zip contents here"})

	first, err := NewZipReader(&memByteSource{data: data})
	require.NoError(t, err)
	var readme *common.Entry
	require.NoError(t, first.Walk(func(e *common.Entry) error {
		if e.Name == "readme.txt" {
			readme = e
		}
		return nil
	}))
	require.NotNil(t, readme)

	second, err := NewZipReader(&memByteSource{data: data})
	require.NoError(t, err)
	rs, err := second.Open(readme)
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "zip contents here", string(got))
}
