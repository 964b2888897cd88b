package blockindex

import (
	"bytes"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// buildXZFixture shells out to the xz binary with --block-size so the
// stream contains multiple index records, exercising the multi-block parse
// path. Falls back to the pure-Go ulikunitz/xz writer (single block) when
// the xz binary isn't available.
func buildXZFixture(t *testing.T, data []byte) []byte {
	t.Helper()
	if path, err := exec.LookPath("xz"); err == nil {
		cmd := exec.Command(path, "-z", "-c", "-6", "--block-size=64KiB")
		cmd.Stdin = bytes.NewReader(data)
		var out bytes.Buffer
		cmd.Stdout = &out
		if cmd.Run() == nil {
			return out.Bytes()
		}
	}
	var out bytes.Buffer
	w, err := xz.NewWriter(&out)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes()
}

func TestXZIndexParsesFooter(t *testing.T) {
	data := bytes.Repeat([]byte("lorem ipsum dolor sit amet "), 20000)
	compressed := buildXZFixture(t, data)
	src := bytes.NewReader(compressed)

	idx, err := BuildXZIndex(src, int64(len(compressed)))
	require.NoError(t, err)
	require.NotEmpty(t, idx.Blocks)
	require.EqualValues(t, len(data), idx.TotalSize)
}

func TestXZReaderMatchesLinearDecode(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 10000)
	compressed := buildXZFixture(t, data)
	src := bytes.NewReader(compressed)

	idx, err := BuildXZIndex(src, int64(len(compressed)))
	require.NoError(t, err)

	reader := NewXZReader(src, int64(len(compressed)), idx)
	buf := make([]byte, 100)
	n, err := reader.ReadAt(buf, 500)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[500:600], buf)
}
