package fuseadapter

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arcmount/arcmount/pkg/common"
)

// minBlksize is the reported minimum block size, 256 KiB, steering
// clients toward larger reads since the layer stack adds meaningful
// per-call overhead.
const minBlksize = 256 * 1024

// toAttr converts a mountsource FileInfo into the fuse.Attr struct
// Getattr/Lookup/Create fill in.
func toAttr(fi *common.FileInfo) fuse.Attr {
	mode := fi.Mode & common.ModePerm
	switch {
	case fi.IsDir():
		mode |= fuse.S_IFDIR
	case fi.IsSymlink():
		mode |= fuse.S_IFLNK
	default:
		mode |= fuse.S_IFREG
	}

	mtime := uint64(fi.Mtime.Unix())
	size := uint64(fi.Size)
	blocks := size/minBlksize + 1

	return fuse.Attr{
		Size:    size,
		Blocks:  blocks,
		Atime:   mtime,
		Mtime:   mtime,
		Ctime:   mtime,
		Mode:    mode,
		Nlink:   1,
		Owner:   fuse.Owner{Uid: fi.UID, Gid: fi.GID},
		Blksize: minBlksize,
	}
}

// errnoFor translates the domain sentinel errors (pkg/common/errors.go)
// into the syscall.Errno FUSE expects.
func errnoFor(err error) syscall.Errno {
	switch err {
	case common.ErrNotFound:
		return syscall.ENOENT
	case common.ErrNotDirectory:
		return syscall.ENOTDIR
	case common.ErrIsDirectory:
		return syscall.EISDIR
	case common.ErrReadOnly:
		return syscall.EROFS
	case common.ErrNotSupported:
		return syscall.ENOSYS
	case nil:
		return 0
	default:
		return syscall.EIO
	}
}
