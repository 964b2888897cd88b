package fuseadapter

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/overlay"
)

func TestNodeLookupAndGetattr(t *testing.T) {
	src := newFakeSource()
	src.putFile("/hello.txt", []byte("hello world"))
	fsys := NewFileSystem(src, nil)

	var entryOut fuse.EntryOut
	childInode, errno := fsys.root.Lookup(context.Background(), "hello.txt", &entryOut)
	require.Zero(t, errno)
	require.EqualValues(t, 11, entryOut.Attr.Size)

	child, ok := childInode.Operations().(*Node)
	require.True(t, ok)

	var attrOut fuse.AttrOut
	require.Zero(t, child.Getattr(context.Background(), nil, &attrOut))
	require.EqualValues(t, 11, attrOut.Attr.Size)
}

func TestNodeLookupMissingReturnsENOENT(t *testing.T) {
	src := newFakeSource()
	fsys := NewFileSystem(src, nil)

	var entryOut fuse.EntryOut
	_, errno := fsys.root.Lookup(context.Background(), "nope.txt", &entryOut)
	require.Equal(t, syscall.ENOENT, errno)
}

func TestNodeLookupCachePopulatedAndReused(t *testing.T) {
	src := newFakeSource()
	src.putFile("/a.txt", []byte("data"))
	fsys := NewFileSystem(src, nil)

	var out1 fuse.EntryOut
	inode1, errno := fsys.root.Lookup(context.Background(), "a.txt", &out1)
	require.Zero(t, errno)

	var out2 fuse.EntryOut
	inode2, errno := fsys.root.Lookup(context.Background(), "a.txt", &out2)
	require.Zero(t, errno)
	require.Same(t, inode1, inode2)
}

func TestNodeReaddirListsChildren(t *testing.T) {
	src := newFakeSource()
	src.putFile("/dir/one.txt", []byte("1"))
	src.putFile("/dir/two.txt", []byte("22"))
	fsys := NewFileSystem(src, nil)

	var entryOut fuse.EntryOut
	dirInode, errno := fsys.root.Lookup(context.Background(), "dir", &entryOut)
	require.Zero(t, errno)
	dirNode := dirInode.Operations().(*Node)

	stream, errno := dirNode.Readdir(context.Background())
	require.Zero(t, errno)
	names := map[string]bool{}
	for stream.HasNext() {
		entry, errno := stream.Next()
		require.Zero(t, errno)
		names[entry.Name] = true
	}
	require.True(t, names["one.txt"])
	require.True(t, names["two.txt"])
}

func TestNodeReadReturnsContent(t *testing.T) {
	src := newFakeSource()
	src.putFile("/blob.bin", []byte("0123456789"))
	fsys := NewFileSystem(src, nil)

	var entryOut fuse.EntryOut
	fileInode, errno := fsys.root.Lookup(context.Background(), "blob.bin", &entryOut)
	require.Zero(t, errno)
	fileNode := fileInode.Operations().(*Node)

	handle, _, errno := fileNode.Open(context.Background(), syscall.O_RDONLY)
	require.Zero(t, errno)

	buf := make([]byte, 4)
	res, errno := fileNode.Read(context.Background(), handle, buf, 3)
	require.Zero(t, errno)
	data, status := res.Bytes(buf)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, "3456", string(data))
}

func TestNodeReadlink(t *testing.T) {
	src := newFakeSource()
	src.putSymlink("/link", "/hello.txt")
	fsys := NewFileSystem(src, nil)

	var entryOut fuse.EntryOut
	linkInode, errno := fsys.root.Lookup(context.Background(), "link", &entryOut)
	require.Zero(t, errno)
	linkNode := linkInode.Operations().(*Node)

	target, errno := linkNode.Readlink(context.Background())
	require.Zero(t, errno)
	require.Equal(t, "/hello.txt", string(target))
}

func TestNodeWriteOperationsWithoutOverlayReturnEROFS(t *testing.T) {
	src := newFakeSource()
	fsys := NewFileSystem(src, nil)

	var entryOut fuse.EntryOut
	_, _, _, errno := fsys.root.Create(context.Background(), "new.txt", syscall.O_WRONLY, 0o644, &entryOut)
	require.Equal(t, syscall.EROFS, errno)

	_, errno = fsys.root.Mkdir(context.Background(), "newdir", 0o755, &entryOut)
	require.Equal(t, syscall.EROFS, errno)

	require.Equal(t, syscall.EROFS, fsys.root.Unlink(context.Background(), "missing.txt"))
}

func TestNodeCreateAndWriteThroughOverlay(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	ov, err := overlay.New(dir, src)
	require.NoError(t, err)
	defer ov.Close()

	fsys := NewFileSystem(ov, ov)

	var entryOut fuse.EntryOut
	childInode, handle, _, errno := fsys.root.Create(context.Background(), "new.txt", syscall.O_WRONLY|syscall.O_CREAT, 0o644, &entryOut)
	require.Zero(t, errno)
	childNode := childInode.Operations().(*Node)

	payload := []byte("overlay write")
	written, errno := childNode.Write(context.Background(), handle, payload, 0)
	require.Zero(t, errno)
	require.EqualValues(t, len(payload), written)

	require.Zero(t, childNode.Release(context.Background(), handle))

	got, err := os.ReadFile(dir + "/new.txt")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
