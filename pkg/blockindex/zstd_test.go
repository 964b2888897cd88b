package blockindex

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func buildZstdFixture(t *testing.T, frames [][]byte) []byte {
	t.Helper()
	var out bytes.Buffer
	for _, f := range frames {
		enc, err := zstd.NewWriter(&out)
		require.NoError(t, err)
		_, err = enc.Write(f)
		require.NoError(t, err)
		require.NoError(t, enc.Close())
	}
	return out.Bytes()
}

func TestZstdIndexMultiFrame(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := make([]byte, 300000)
	rng.Read(a)
	b := make([]byte, 150000)
	rng.Read(b)

	compressed := buildZstdFixture(t, [][]byte{a, b})
	src := bytes.NewReader(compressed)

	idx, err := BuildZstdIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	require.Len(t, idx.Frames, 2)
	require.False(t, idx.SingleFrameWarning)
	require.EqualValues(t, len(a)+len(b), idx.TotalSize)

	reader := NewZstdReader(src, idx)
	reference := append(append([]byte{}, a...), b...)

	buf := make([]byte, 1000)
	n, err := reader.ReadAt(buf, int64(len(a)-500))
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	require.Equal(t, reference[len(a)-500:len(a)+500], buf)
}

func TestParallelZstdReaderMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	frames := make([][]byte, 6)
	var reference []byte
	for i := range frames {
		f := make([]byte, 100000+i*10000)
		rng.Read(f)
		frames[i] = f
		reference = append(reference, f...)
	}

	compressed := buildZstdFixture(t, frames)
	src := bytes.NewReader(compressed)

	idx, err := BuildZstdIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	require.Len(t, idx.Frames, len(frames))

	reader := NewParallelZstdReader(src, idx, 4)
	defer reader.Close()

	// Cross-frame read spanning three frame boundaries.
	start := int64(len(frames[0]) - 100)
	buf := make([]byte, len(frames[1])+len(frames[2])+200)
	n, err := reader.ReadAt(buf, start)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, reference[start:start+int64(len(buf))], buf)

	// Single-byte probes at frame edges.
	for _, off := range []int64{0, int64(len(frames[0])), idx.TotalSize - 1} {
		got := make([]byte, 1)
		n, err := reader.ReadAt(got, off)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
		}
		require.Equal(t, 1, n)
		require.Equal(t, reference[off], got[0])
	}
}

func TestParallelZstdReaderFallsBackWhenSingleFrame(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 100000)
	compressed := buildZstdFixture(t, [][]byte{data})
	src := bytes.NewReader(compressed)

	idx, err := BuildZstdIndex(src, int64(len(compressed)))
	require.NoError(t, err)

	reader := NewParallelZstdReader(src, idx, 8)
	_, isParallel := reader.(*parallelZstdReader)
	require.False(t, isParallel)
}

func TestZstdIndexSingleFrameWarning(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 2<<20)
	compressed := buildZstdFixture(t, [][]byte{data})
	src := bytes.NewReader(compressed)

	idx, err := BuildZstdIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	require.Len(t, idx.Frames, 1)
	require.True(t, idx.SingleFrameWarning)
}

func TestZstdIndexBlobRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("payload "), 20000)
	compressed := buildZstdFixture(t, [][]byte{data})
	src := bytes.NewReader(compressed)

	idx, err := BuildZstdIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	reader := NewZstdReader(src, idx)
	blob := reader.Blob()

	reloaded, err := LoadZstdIndex(blob)
	require.NoError(t, err)
	require.Equal(t, idx.TotalSize, reloaded.TotalSize)
}
