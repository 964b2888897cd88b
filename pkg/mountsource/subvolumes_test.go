package mountsource

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func TestSubvolumesSourceMountLookupUnmount(t *testing.T) {
	db := mustFolder(t, map[string]string{"data": "payload"})
	s := NewSubvolumesSource()
	s.Mount("db", db)

	fi, err := s.Lookup("/db/data", 0)
	require.NoError(t, err)
	require.Equal(t, "payload", readAll(t, s, fi))

	root, err := s.Lookup("/", 0)
	require.NoError(t, err)
	require.True(t, root.IsDir())

	children, err := s.List("/")
	require.NoError(t, err)
	require.Contains(t, children, "db")

	require.False(t, s.IsImmutable())

	removed := s.Unmount("db")
	require.NotNil(t, removed)
	_, err = s.Lookup("/db/data", 0)
	require.ErrorIs(t, err, common.ErrNotFound)
}
