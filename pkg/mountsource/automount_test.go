package mountsource

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/index"
)

func buildTarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), ModTime: time.Unix(1700000000, 0),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildArchiveSource(t *testing.T, r archive.Reader) *ArchiveSource {
	t.Helper()
	path := t.TempDir() + "/idx.sqlite"
	b, err := index.NewBuilder(path, common.Fingerprint{Size: 1}, "{}")
	require.NoError(t, err)
	require.NoError(t, r.Walk(func(e *common.Entry) error { return b.InsertEntry(e) }))
	require.NoError(t, b.Commit())
	store, err := index.Open(path)
	require.NoError(t, err)
	return NewArchiveSource(store, r)
}

// TestAutoMountSourceNestedTar: an outer TAR with
// foo/fighter/ufo and foo/lighter.tar, where the inner TAR (foo/lighter.tar)
// itself contains foo/fighter/ufo = "iriya\n". Expect
// read("/foo/lighter.tar/foo/fighter/ufo") == "iriya\n".
func TestAutoMountSourceNestedTar(t *testing.T) {
	innerBytes := buildTarBytes(t, map[string]string{"foo/fighter/ufo": "iriya\n"})
	outerBytes := buildTarBytes(t, map[string]string{
		"foo/fighter/ufo": "outer placeholder\n",
		"foo/lighter.tar": string(innerBytes),
	})

	outerReader := archive.NewTarReader(&memByteSource{data: outerBytes}, archive.TarOptions{})
	outerSrc := buildArchiveSource(t, outerReader)

	isArchive := func(name string, fi *common.FileInfo) bool {
		return !fi.IsDir() && len(name) > 4 && name[len(name)-4:] == ".tar"
	}
	opener := func(path string, fi *common.FileInfo, rs io.ReadSeeker, size int64) (Source, error) {
		data, err := io.ReadAll(rs)
		if err != nil {
			return nil, err
		}
		nestedReader := archive.NewTarReader(&memByteSource{data: data}, archive.TarOptions{})
		return buildArchiveSource(t, nestedReader), nil
	}

	am := NewAutoMountSource(outerSrc, isArchive, opener, false, nil, "", 0, false)
	require.NoError(t, am.BuildEager())

	fi, err := am.Lookup("/foo/lighter.tar/foo/fighter/ufo", 0)
	require.NoError(t, err)
	rs, err := am.Open(fi, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "iriya\n", string(data))
}

func TestAutoMountSourceLazy(t *testing.T) {
	innerBytes := buildTarBytes(t, map[string]string{"a": "inner-a"})
	outerBytes := buildTarBytes(t, map[string]string{"nested.tar": string(innerBytes)})

	outerSrc := buildArchiveSource(t, archive.NewTarReader(&memByteSource{data: outerBytes}, archive.TarOptions{}))

	isArchive := func(name string, fi *common.FileInfo) bool {
		return !fi.IsDir() && len(name) > 4 && name[len(name)-4:] == ".tar"
	}
	opener := func(path string, fi *common.FileInfo, rs io.ReadSeeker, size int64) (Source, error) {
		data, err := io.ReadAll(rs)
		require.NoError(t, err)
		return buildArchiveSource(t, archive.NewTarReader(&memByteSource{data: data}, archive.TarOptions{})), nil
	}

	am := NewAutoMountSource(outerSrc, isArchive, opener, false, nil, "", 0, true)

	fi, err := am.Lookup("/nested.tar/a", 0)
	require.NoError(t, err)
	rs, err := am.Open(fi, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "inner-a", string(data))
}
