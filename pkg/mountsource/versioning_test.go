package mountsource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionSourceVersionsDirLookup(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "log.txt", fakeEntry{data: "v1"})
	inner.put("/", "log.txt", fakeEntry{data: "v2"})
	inner.put("/", "log.txt", fakeEntry{data: "v3"})

	v := NewVersionSource(inner)

	fi, err := v.Lookup("/log.txt.versions", 0)
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	children, err := v.List("/log.txt.versions")
	require.NoError(t, err)
	require.Len(t, children, 3)
	require.Contains(t, children, "1")
	require.Contains(t, children, "3")
}

func TestVersionSourceResolveByNumber(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "log.txt", fakeEntry{data: "old"})
	inner.put("/", "log.txt", fakeEntry{data: "newest"})

	v := NewVersionSource(inner)

	fi, err := v.Lookup("/log.txt.versions/1", 0)
	require.NoError(t, err)
	require.EqualValues(t, len("old"), fi.Size)

	fi, err = v.Lookup("/log.txt.versions/0", 0)
	require.NoError(t, err)
	require.EqualValues(t, len("newest"), fi.Size)

	_, err = v.Lookup("/log.txt.versions/99", 0)
	require.Error(t, err)
}

func TestVersionSourceNoVersionsSuffixPassesThrough(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "plain.txt", fakeEntry{data: "hello"})

	v := NewVersionSource(inner)

	fi, err := v.Lookup("/plain.txt", 0)
	require.NoError(t, err)
	require.EqualValues(t, len("hello"), fi.Size)
}

func TestVersionSourceResolveSelfHardlinkTerminates(t *testing.T) {
	inner := newFakeSource()
	// Every version of /rotating.log is a self-hardlink, so the walk must
	// exhaust all versions without looping forever and return the oldest.
	inner.put("/", "rotating.log", fakeEntry{linkname: "/rotating.log"})
	inner.put("/", "rotating.log", fakeEntry{linkname: "/rotating.log"})
	inner.put("/", "rotating.log", fakeEntry{linkname: "/rotating.log"})

	v := NewVersionSource(inner)

	fi, err := v.Lookup("/rotating.log", 0)
	require.NoError(t, err)
	require.Equal(t, "/rotating.log", fi.Linkname)
}

func TestVersionSourceVersionsDirNotFoundWhenBaseMissing(t *testing.T) {
	inner := newFakeSource()
	v := NewVersionSource(inner)

	_, err := v.Lookup("/missing.versions", 0)
	require.Error(t, err)
}
