package stencil

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStencilReadAcrossSlices(t *testing.T) {
	a := strings.NewReader("foo-bar-baz")
	b := strings.NewReader("0123456789")

	st := New([]Slice{
		{Source: a, Offset: 0, Length: 3},  // "foo"
		{Source: b, Offset: 4, Length: 4},  // "4567"
		{Source: a, Offset: 8, Length: 3},  // "baz"
	})
	require.EqualValues(t, 10, st.Len())

	got := make([]byte, 10)
	n, err := st.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "foo4567baz", string(got))
}

func TestStencilPartialRead(t *testing.T) {
	a := strings.NewReader("hello world")
	st := New([]Slice{{Source: a, Offset: 0, Length: 5}, {Source: a, Offset: 6, Length: 5}})

	buf := make([]byte, 4)
	n, err := st.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "lowo", string(buf))
}

func TestStencilReadPastEnd(t *testing.T) {
	st := New([]Slice{{Source: strings.NewReader("abc"), Offset: 0, Length: 3}})
	buf := make([]byte, 10)
	n, err := st.ReadAt(buf, 1)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, n)
	require.Equal(t, "bc", string(buf[:n]))
}

func TestStencilSeekAndRead(t *testing.T) {
	st := New([]Slice{{Source: strings.NewReader("0123456789"), Offset: 0, Length: 10}})
	pos, err := st.Seek(5, io.SeekStart)
	require.NoError(t, err)
	require.EqualValues(t, 5, pos)

	var buf bytes.Buffer
	_, err = io.Copy(&buf, io.LimitReader(st, 3))
	require.NoError(t, err)
	require.Equal(t, "567", buf.String())
}

func TestStencilUnderlyingErrorPropagates(t *testing.T) {
	st := New([]Slice{{Source: errReaderAt{}, Offset: 0, Length: 5}})
	buf := make([]byte, 5)
	_, err := st.ReadAt(buf, 0)
	require.Error(t, err)
}

type errReaderAt struct{}

func (errReaderAt) ReadAt([]byte, int64) (int, error) {
	return 0, bytes.ErrTooLarge
}
