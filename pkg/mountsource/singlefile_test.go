package mountsource

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

// memByteSource is a minimal in-memory archive.ByteSource, mirroring the
// one pkg/archive's own tests already use.
type memByteSource struct {
	data   []byte
	closed bool
}

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
func (m *memByteSource) Close() error { m.closed = true; return nil }

func TestSingleFileSourceLookupAndOpen(t *testing.T) {
	src := &memByteSource{data: []byte("iriya\n")}
	mtime := time.Unix(1700000000, 0)
	sf := NewSingleFileSource("ufo", src, 0o644, mtime)

	fi, err := sf.Lookup("/ufo", 0)
	require.NoError(t, err)
	require.EqualValues(t, 6, fi.Size)

	rs, err := sf.Open(fi, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "iriya\n", string(data))

	_, err = sf.Lookup("/missing", 0)
	require.ErrorIs(t, err, common.ErrNotFound)

	children, err := sf.List("/")
	require.NoError(t, err)
	require.Contains(t, children, "ufo")
}
