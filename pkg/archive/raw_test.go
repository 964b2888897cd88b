package archive

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func TestRawReaderSingleEntry(t *testing.T) {
	src := &memByteSource{data: []byte("standalone stream content")}
	mtime := time.Unix(1700000000, 0)
	r := NewRawReader(src, "payload.bin", mtime)

	var entries []*common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	require.Equal(t, "payload.bin", entries[0].Name)
	require.Equal(t, "/", entries[0].Path)
	require.True(t, entries[0].Mtime.Equal(mtime))

	rs, err := r.Open(entries[0])
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "standalone stream content", string(data))
}
