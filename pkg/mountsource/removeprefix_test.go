package mountsource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemovePrefixSourceLookup(t *testing.T) {
	inner := newFakeSource()
	inner.put("/myproject-1.2", "README.md", fakeEntry{data: "hello"})
	inner.put("/myproject-1.2/src", "main.go", fakeEntry{data: "package main"})
	inner.put("/myproject-1.2", "src", fakeEntry{})
	inner.children["/myproject-1.2/src"] = []string{"main.go"}
	inner.children["/myproject-1.2"] = []string{"README.md", "src"}
	inner.children["/"] = []string{"myproject-1.2"}

	r := NewRemovePrefixSource(inner, "/myproject-1.2")

	fi, err := r.Lookup("/README.md", 0)
	require.NoError(t, err)
	require.EqualValues(t, len("hello"), fi.Size)

	fi, err = r.Lookup("/src/main.go", 0)
	require.NoError(t, err)
	require.EqualValues(t, len("package main"), fi.Size)
}

func TestRemovePrefixSourceList(t *testing.T) {
	inner := newFakeSource()
	inner.put("/myproject-1.2", "a.txt", fakeEntry{data: "a"})
	inner.put("/myproject-1.2", "b.txt", fakeEntry{data: "b"})

	r := NewRemovePrefixSource(inner, "/myproject-1.2")

	children, err := r.List("/")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Contains(t, children, "a.txt")
	require.Contains(t, children, "b.txt")
}

func TestRemovePrefixSourceNoPrefixIsIdentity(t *testing.T) {
	inner := newFakeSource()
	inner.put("/", "a.txt", fakeEntry{data: "a"})

	r := NewRemovePrefixSource(inner, "")

	fi, err := r.Lookup("/a.txt", 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, fi.Size)
}
