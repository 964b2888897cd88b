package mountsource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinkResolveSourceFollowsChain(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "real.txt", fakeEntry{data: "hello"})
	inner.put("/", "alias.txt", fakeEntry{linkname: "/real.txt"})

	l := NewLinkResolveSource(inner)

	fi, err := l.Lookup("/alias.txt", 0)
	require.NoError(t, err)
	require.Empty(t, fi.Linkname)
	require.EqualValues(t, len("hello"), fi.Size)
}

func TestLinkResolveSourceMultiHop(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "real.txt", fakeEntry{data: "hello"})
	inner.put("/", "b.txt", fakeEntry{linkname: "/real.txt"})
	inner.put("/", "a.txt", fakeEntry{linkname: "/b.txt"})

	l := NewLinkResolveSource(inner)

	fi, err := l.Lookup("/a.txt", 0)
	require.NoError(t, err)
	require.Empty(t, fi.Linkname)
	require.EqualValues(t, len("hello"), fi.Size)
}

func TestLinkResolveSourceCycleTerminates(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "a.txt", fakeEntry{linkname: "/b.txt"})
	inner.put("/", "b.txt", fakeEntry{linkname: "/a.txt"})

	l := NewLinkResolveSource(inner)

	fi, err := l.Lookup("/a.txt", 0)
	require.NoError(t, err)
	require.NotNil(t, fi)
}

func TestLinkResolveSourcePlainFileUnaffected(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "plain.txt", fakeEntry{data: "hi"})

	l := NewLinkResolveSource(inner)

	fi, err := l.Lookup("/plain.txt", 0)
	require.NoError(t, err)
	require.Empty(t, fi.Linkname)
	require.EqualValues(t, 2, fi.Size)
}

func TestLinkResolveSourceListResolvesChildren(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "real.txt", fakeEntry{data: "hello"})
	inner.put("/", "alias.txt", fakeEntry{linkname: "/real.txt"})

	l := NewLinkResolveSource(inner)

	children, err := l.List("/")
	require.NoError(t, err)
	require.Empty(t, children["alias.txt"].Linkname)
}
