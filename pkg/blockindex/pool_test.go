package blockindex

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolDedupesConcurrentFetch(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, idx int) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(fmt.Sprintf("block-%d", idx)), nil
	}
	p := NewPool(fetch, 4, 8)

	results := make(chan []byte, 8)
	for i := 0; i < 8; i++ {
		go func() {
			data, err := p.Get(context.Background(), 3)
			require.NoError(t, err)
			results <- data
		}()
	}
	for i := 0; i < 8; i++ {
		require.Equal(t, "block-3", string(<-results))
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.NoError(t, p.Close())
}

func TestPoolCachesAfterFirstFetch(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, idx int) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte{byte(idx)}, nil
	}
	p := NewPool(fetch, 2, 4)

	_, err := p.Get(context.Background(), 1)
	require.NoError(t, err)
	_, err = p.Get(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.NoError(t, p.Close())
}

func TestBlockLRUEviction(t *testing.T) {
	lru := newBlockLRU(2)
	lru.put(1, []byte("a"))
	lru.put(2, []byte("b"))
	lru.put(3, []byte("c")) // evicts 1

	_, ok := lru.get(1)
	require.False(t, ok)
	v, ok := lru.get(2)
	require.True(t, ok)
	require.Equal(t, "b", string(v))
}
