package blockindex

import (
	"bytes"
	"compress/gzip"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildGzipFixture(t *testing.T, members [][]byte) []byte {
	t.Helper()
	var out bytes.Buffer
	for _, m := range members {
		gw := gzip.NewWriter(&out)
		_, err := gw.Write(m)
		require.NoError(t, err)
		require.NoError(t, gw.Close())
	}
	return out.Bytes()
}

func TestGzipIndexRandomAccess(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := make([]byte, 5*1024*1024)
	rng.Read(a)
	b := make([]byte, 2*1024*1024)
	rng.Read(b)

	compressed := buildGzipFixture(t, [][]byte{a, b})
	src := bytes.NewReader(compressed)

	idx, err := BuildGzipIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(idx.Checkpoints), 2)

	reader := NewGzipReader(src, int64(len(compressed)), idx, 1)
	require.EqualValues(t, len(a)+len(b), reader.Len())

	reference := append(append([]byte{}, a...), b...)

	for _, off := range []int64{0, 1, int64(len(a) - 1), int64(len(a)), int64(len(a) + 1), int64(len(reference) - 1)} {
		got := make([]byte, 1)
		n, err := reader.ReadAt(got, off)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, reference[off], got[0], "offset %d", off)
	}

	buf := make([]byte, 1000)
	n, err := reader.ReadAt(buf, int64(len(a)-500))
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	require.Equal(t, reference[len(a)-500:len(a)+500], buf)
}

// A single-member stream (the common plain `gzip file.tar` case) has one
// checkpoint; sub-member random access comes from the decoded-chunk
// cache, so backward and repeated reads must still return the right
// bytes at every spacing boundary.
func TestGzipSingleMemberChunkedAccess(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 4*1024*1024)
	rng.Read(data)

	compressed := buildGzipFixture(t, [][]byte{data})
	src := bytes.NewReader(compressed)

	idx, err := BuildGzipIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	require.Len(t, idx.Checkpoints, 1)

	reader := NewGzipReader(src, int64(len(compressed)), idx, 1)

	mib := int64(1 << 20)
	offsets := []int64{
		int64(len(data) - 1), // far end first: cold decode warms the trail
		0,                    // backward seek, now served from cache
		mib - 1, mib, mib + 1, // chunk-boundary straddles
		3*mib - 7,
		mib, // repeat: cache hit
	}
	for _, off := range offsets {
		got := make([]byte, 1)
		n, err := reader.ReadAt(got, off)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, data[off], got[0], "offset %d", off)
	}

	// Cross-chunk read.
	buf := make([]byte, int(mib)+100)
	n, err := reader.ReadAt(buf, mib-50)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, data[mib-50:mib-50+int64(len(buf))], buf)
}

func TestGzipIndexBlobRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 10000)
	compressed := buildGzipFixture(t, [][]byte{data})
	src := bytes.NewReader(compressed)

	idx, err := BuildGzipIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	reader := NewGzipReader(src, int64(len(compressed)), idx, 16)
	blob := reader.Blob()

	reloaded, err := LoadGzipIndex(blob)
	require.NoError(t, err)
	require.Equal(t, idx.TotalSize, reloaded.TotalSize)

	r2 := NewGzipReader(src, int64(len(compressed)), reloaded, 16)
	got := make([]byte, len(data))
	n, err := r2.ReadAt(got, 0)
	require.True(t, err == nil || err == io.EOF)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)
}
