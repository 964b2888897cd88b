package fuseadapter

import (
	"context"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/arcmount/arcmount/pkg/common"
)

// Node is one inode in the mounted tree. Every method dispatches
// through fsys.source, so the node itself holds nothing but its path.
type Node struct {
	fs.Inode
	fsys *FileSystem
	path string
}

var (
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeSetattrer   = (*Node)(nil)
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeOpendirer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeReader      = (*Node)(nil)
	_ fs.NodeWriter      = (*Node)(nil)
	_ fs.NodeReleaser    = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeGetxattrer  = (*Node)(nil)
	_ fs.NodeListxattrer = (*Node)(nil)
	_ fs.NodeStatfser    = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeMknoder     = (*Node)(nil)
	_ fs.NodeSymlinker   = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
)

func (n *Node) OnAdd(ctx context.Context) {
	log.Debug().Str("path", n.path).Msg("OnAdd called")
}

func (n *Node) lookupSelf() (*common.FileInfo, error) {
	return n.fsys.source.Lookup(n.path, 0)
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Getattr called")
	fi, err := n.lookupSelf()
	if err != nil {
		return errnoFor(err)
	}
	out.Attr = toAttr(fi)
	return fs.OK
}

// Setattr handles chmod/chown/utimens/truncate: write through to the
// overlay's host file (best-effort) and record the override in its row.
// Absent an overlay, every bit requested fails the whole call with
// EROFS.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Setattr called")
	if n.fsys.overlay == nil {
		return syscall.EROFS
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.overlay.Chmod(n.path, mode); err != nil {
			return syscall.EIO
		}
	}
	if uid, ok := in.GetUID(); ok {
		gid, hasGid := in.GetGID()
		if !hasGid {
			if fi, err := n.lookupSelf(); err == nil {
				gid = fi.GID
			}
		}
		if err := n.fsys.overlay.Chown(n.path, uid, gid); err != nil {
			return syscall.EIO
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		atime := mtime
		if a, ok := in.GetATime(); ok {
			atime = a
		}
		if err := n.fsys.overlay.Utimens(n.path, atime, mtime); err != nil {
			return syscall.EIO
		}
	}
	if size, ok := in.GetSize(); ok {
		if err := n.fsys.overlay.Truncate(n.path, int64(size)); err != nil {
			return syscall.EIO
		}
	}
	fi, err := n.lookupSelf()
	if err != nil {
		return errnoFor(err)
	}
	out.Attr = toAttr(fi)
	return fs.OK
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Lookup called")

	childPath := path.Join(n.path, name)

	n.fsys.cacheMu.RLock()
	entry, found := n.fsys.lookupCache[childPath]
	n.fsys.cacheMu.RUnlock()
	if found {
		log.Debug().Str("path", childPath).Msg("Lookup cache hit")
		out.Attr = entry.attr
		return entry.inode, fs.OK
	}

	fi, err := n.fsys.source.Lookup(childPath, 0)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := toAttr(fi)
	out.Attr = attr

	childInode := n.NewInode(ctx, &Node{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: attr.Mode})

	n.fsys.cacheMu.Lock()
	n.fsys.lookupCache[childPath] = &lookupCacheEntry{inode: childInode, attr: attr}
	n.fsys.cacheMu.Unlock()

	return childInode, fs.OK
}

func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Opendir called")
	fi, err := n.lookupSelf()
	if err != nil {
		return errnoFor(err)
	}
	if !fi.IsDir() {
		return syscall.ENOTDIR
	}
	return fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	log.Debug().Str("path", n.path).Msg("Readdir called")
	children, err := n.fsys.source.ListMode(n.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	entries := make([]fuse.DirEntry, 0, len(children))
	for name, mode := range children {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Open records the intended flags in the handle table without copying
// up eagerly: a handle opened for write stays backed by the read-only
// source until the first Write call actually copies up through the
// overlay. An O_RDWR open that only ever reads costs nothing.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	log.Debug().Str("path", n.path).Uint32("flags", flags).Msg("Open called")
	wantsWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if wantsWrite && n.fsys.overlay == nil {
		return nil, 0, syscall.EROFS
	}
	id := n.fsys.allocHandle(n.path, flags)
	return id, 0, fs.OK
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	log.Debug().Str("path", n.path).Int64("offset", off).Msg("Read called")

	if id, ok := f.(fileHandleID); ok {
		if h := n.fsys.handleFor(id); h != nil && h.writeFile != nil {
			nRead, err := h.writeFile.ReadAt(dest, off)
			if err != nil && nRead == 0 {
				return nil, syscall.EIO
			}
			return fuse.ReadResultData(dest[:nRead]), fs.OK
		}
	}

	fi, err := n.lookupSelf()
	if err != nil {
		return nil, errnoFor(err)
	}
	data, err := n.fsys.source.Read(fi, len(dest), off)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), fs.OK
}

// Write triggers copy-up on first use, then writes through to the host
// file the handle now owns.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	log.Debug().Str("path", n.path).Int64("offset", off).Msg("Write called")
	if n.fsys.overlay == nil {
		return 0, syscall.EROFS
	}
	id, ok := f.(fileHandleID)
	if !ok {
		return 0, syscall.EBADF
	}
	h := n.fsys.handleFor(id)
	if h == nil {
		return 0, syscall.EBADF
	}
	if h.writeFile == nil {
		truncate := h.flags&syscall.O_TRUNC != 0
		wf, err := n.fsys.overlay.OpenWrite(n.path, truncate)
		if err != nil {
			return 0, syscall.EIO
		}
		h.writeFile = wf
		n.fsys.invalidate(n.path)
	}
	written, err := h.writeFile.WriteAt(data, off)
	if err != nil {
		return uint32(written), syscall.EIO
	}
	return uint32(written), fs.OK
}

func (n *Node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	if id, ok := f.(fileHandleID); ok {
		n.fsys.releaseHandle(id)
	}
	return fs.OK
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	log.Debug().Str("path", n.path).Msg("Readlink called")
	fi, err := n.lookupSelf()
	if err != nil {
		return nil, errnoFor(err)
	}
	if !fi.IsSymlink() {
		return nil, syscall.EINVAL
	}
	return []byte(fi.Linkname), fs.OK
}

// Getxattr returns ENODATA for a missing attribute and ERANGE plus the
// needed size when dest is too small. The callback receives no position
// argument, so a nonzero position is neither detected nor rejected.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	fi, err := n.lookupSelf()
	if err != nil {
		return 0, errnoFor(err)
	}
	val, ok, err := n.fsys.source.GetXattr(fi, attr)
	if err != nil {
		return 0, syscall.EIO
	}
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) < len(val) {
		return uint32(len(val)), syscall.ERANGE
	}
	n2 := copy(dest, val)
	return uint32(n2), fs.OK
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	fi, err := n.lookupSelf()
	if err != nil {
		return 0, errnoFor(err)
	}
	names, err := n.fsys.source.ListXattr(fi)
	if err != nil {
		return 0, syscall.EIO
	}
	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) < total {
		return uint32(total), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(dest[off:], name)
		dest[off] = 0
		off++
	}
	return uint32(total), fs.OK
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.source.StatFS()
	if err != nil {
		return syscall.EIO
	}
	bsize := st.Bsize
	if bsize < minBlksize {
		bsize = minBlksize
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = bsize
	out.NameLen = st.NameLen
	return fs.OK
}

// Create, Mkdir, Mknod, Symlink, Unlink, Rmdir, Rename all delegate to
// the write overlay; with no overlay configured the mount is strictly
// read-only and every one of these returns EROFS.

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Create called")
	if n.fsys.overlay == nil {
		return nil, nil, 0, syscall.EROFS
	}
	childPath := path.Join(n.path, name)
	if err := n.fsys.overlay.Create(childPath, mode); err != nil {
		return nil, nil, 0, syscall.EIO
	}
	n.fsys.invalidate(childPath)

	fi, err := n.fsys.source.Lookup(childPath, 0)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	attr := toAttr(fi)
	out.Attr = attr
	childInode := n.NewInode(ctx, &Node{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: attr.Mode})

	id := n.fsys.allocHandle(childPath, flags)
	h := n.fsys.handleFor(id)
	wf, err := n.fsys.overlay.OpenWrite(childPath, false)
	if err == nil {
		h.writeFile = wf
	}
	return childInode, id, 0, fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Mkdir called")
	if n.fsys.overlay == nil {
		return nil, syscall.EROFS
	}
	childPath := path.Join(n.path, name)
	if err := n.fsys.overlay.Mkdir(childPath, mode); err != nil {
		return nil, syscall.EIO
	}
	n.fsys.invalidate(childPath)

	fi, err := n.fsys.source.Lookup(childPath, 0)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := toAttr(fi)
	out.Attr = attr
	return n.NewInode(ctx, &Node{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: attr.Mode}), fs.OK
}

func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Mknod called")
	if n.fsys.overlay == nil {
		return nil, syscall.EROFS
	}
	childPath := path.Join(n.path, name)
	if err := n.fsys.overlay.Mknod(childPath, mode, uint64(dev)); err != nil {
		return nil, syscall.EIO
	}
	n.fsys.invalidate(childPath)

	fi, err := n.fsys.source.Lookup(childPath, 0)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := toAttr(fi)
	out.Attr = attr
	return n.NewInode(ctx, &Node{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: attr.Mode}), fs.OK
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Symlink called")
	if n.fsys.overlay == nil {
		return nil, syscall.EROFS
	}
	childPath := path.Join(n.path, name)
	if err := n.fsys.overlay.Symlink(target, childPath); err != nil {
		return nil, syscall.EIO
	}
	n.fsys.invalidate(childPath)

	fi, err := n.fsys.source.Lookup(childPath, 0)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := toAttr(fi)
	out.Attr = attr
	return n.NewInode(ctx, &Node{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: attr.Mode}), fs.OK
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Unlink called")
	if n.fsys.overlay == nil {
		return syscall.EROFS
	}
	childPath := path.Join(n.path, name)
	if err := n.fsys.overlay.Unlink(childPath); err != nil {
		return syscall.EIO
	}
	n.fsys.invalidate(childPath)
	return fs.OK
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Rmdir called")
	if n.fsys.overlay == nil {
		return syscall.EROFS
	}
	childPath := path.Join(n.path, name)
	if err := n.fsys.overlay.Rmdir(childPath); err != nil {
		return syscall.EIO
	}
	n.fsys.invalidate(childPath)
	return fs.OK
}

func (n *Node) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	log.Debug().Str("path", n.path).Str("old_name", oldName).Str("new_name", newName).Msg("Rename called")
	if n.fsys.overlay == nil {
		return syscall.EROFS
	}
	oldPath := path.Join(n.path, oldName)
	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	newPath := path.Join(newParentNode.path, newName)
	if err := n.fsys.overlay.Rename(oldPath, newPath); err != nil {
		return syscall.EIO
	}
	n.fsys.invalidate(oldPath)
	n.fsys.invalidate(newPath)
	return fs.OK
}

var _ = time.Now
