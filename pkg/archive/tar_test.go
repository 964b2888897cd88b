package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

// memByteSource is an in-memory ByteSource for tests; fixtures are built
// with archive/tar and friends rather than checked-in binary blobs.
type memByteSource struct{ data []byte }

func (m *memByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (m *memByteSource) Len() int64   { return int64(len(m.data)) }
func (m *memByteSource) Close() error { return nil }

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  time.Unix(1700000000, 0),
			Typeflag: tar.TypeReg,
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestTarReaderWalkAndOpen(t *testing.T) {
	data := buildTar(t, map[string]string{
		"a.txt":     "hello world",
		"dir/b.txt": "second file contents",
	})
	src := &memByteSource{data: data}
	r := NewTarReader(src, TarOptions{})

	var entries []*common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)

	var a *common.Entry
	for _, e := range entries {
		if e.Name == "a.txt" {
			a = e
		}
	}
	require.NotNil(t, a)
	require.Equal(t, "/", a.Path)

	rs, err := r.Open(a)
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestTarReaderHeaderAndPayloadOffsets(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name, content string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	write("first", strings.Repeat("x", 600)) // payload pads to 1024
	write("second", "y")
	require.NoError(t, tw.Close())

	src := &memByteSource{data: buf.Bytes()}
	r := NewTarReader(src, TarOptions{})

	var entries []*common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)

	require.EqualValues(t, 0, entries[0].HeaderOffset)
	require.EqualValues(t, 512, entries[0].Offset)
	require.EqualValues(t, 512+1024, entries[1].HeaderOffset)
	require.EqualValues(t, 512+1024+512, entries[1].Offset)
}

func TestTarReaderIgnoreZerosConcatenated(t *testing.T) {
	first := buildTar(t, map[string]string{"one.txt": "one"})
	second := buildTar(t, map[string]string{"two.txt": "two"})

	// GNU/BSD tar end-of-archive marker is two zero blocks; pad then
	// append a second archive, exercising --ignore-zeros.
	padded := append(append([]byte{}, first...), make([]byte, 1024)...)
	combined := append(padded, second...)

	src := &memByteSource{data: combined}
	r := NewTarReader(src, TarOptions{IgnoreZeros: true})

	var names []string
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		names = append(names, e.Name)
		return nil
	}))
	require.ElementsMatch(t, []string{"one.txt", "two.txt"}, names)
}

func TestTarReaderStopsAtZerosWithoutIgnoreZeros(t *testing.T) {
	first := buildTar(t, map[string]string{"one.txt": "one"})
	second := buildTar(t, map[string]string{"two.txt": "two"})
	combined := append(append([]byte{}, first...), second...)

	src := &memByteSource{data: combined}
	r := NewTarReader(src, TarOptions{})

	var names []string
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		names = append(names, e.Name)
		return nil
	}))
	require.Equal(t, []string{"one.txt"}, names)
}

func TestDetectGNUIncrementalHeuristic(t *testing.T) {
	entries := []scannedEntry{
		{entry: &common.Entry{}, origName: "0123456 0000001\nfile1"},
		{entry: &common.Entry{}, origName: "0123457 0000002\nfile2"},
		{entry: &common.Entry{}, origName: "plainname"},
	}
	require.True(t, detectGNUIncremental(entries))

	entries = []scannedEntry{
		{entry: &common.Entry{}, origName: "plainname1"},
		{entry: &common.Entry{}, origName: "plainname2"},
	}
	require.False(t, detectGNUIncremental(entries))
}
