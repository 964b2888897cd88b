// Package mountsource implements the compositing layer stack: a single
// interface with one method per operation, implemented by leaves that
// wrap an archive.Reader or a host directory and by composites that
// wrap other Sources.
package mountsource

import (
	"io"

	"github.com/arcmount/arcmount/pkg/common"
)

// StatFS is the mergeable filesystem statistics returned by Source.StatFS,
// named the way syscall.Statfs_t names its fields so the FUSE adapter can
// copy them across with no translation.
type StatFS struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
}

// Source is the mount-source contract. Every layer —
// leaf or composite — implements it. Paths are always absolute,
// slash-separated, and already cleaned by the caller (the FUSE adapter or
// a parent composite); layers never need to re-clean them.
type Source interface {
	// Lookup resolves path to a FileInfo. version selects which
	// revision when more than one entry shares the path (0 = newest,
	// matching the versioning layer's numbering). Returns
	// common.ErrNotFound if the path does not exist at all, or if
	// version is out of range.
	Lookup(path string, version int) (*common.FileInfo, error)

	// Versions reports how many revisions of path exist (0 if it does
	// not exist, 1 for an ordinary never-overwritten file).
	Versions(path string) (int, error)

	// List returns every direct child of a directory path, name to
	// FileInfo. Returns (nil, common.ErrNotFound) if path is not a
	// directory known to this source.
	List(path string) (map[string]*common.FileInfo, error)

	// ListMode is List's cheaper sibling for callers that only need
	// each child's mode, letting layers skip resolving a full FileInfo
	// per child (notably the union layer, which would otherwise
	// shadow-resolve duplicate names).
	ListMode(path string) (map[string]uint32, error)

	// Open returns a seekable stream over fi's content. buffering < 0
	// lets the implementation pick; most leaves ignore it since
	// archive.Reader already buffers internally.
	Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error)

	// Read is the direct pread-style accessor FUSE's read() call prefers
	// over open+seek+read for a single request.
	Read(fi *common.FileInfo, size int, offset int64) ([]byte, error)

	ListXattr(fi *common.FileInfo) ([]string, error)
	GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error)

	// GetMountSource resolves the deepest concrete source owning fi,
	// consuming fi's userdata routing stack one token per layer
	// crossed. mountPoint is the path prefix, relative to this source's
	// root, at which innerSource is grafted.
	GetMountSource(fi *common.FileInfo) (mountPoint string, innerSource Source, innerFI *common.FileInfo, err error)

	StatFS() (StatFS, error)

	// IsImmutable reports whether this source (and everything beneath
	// it) rejects writes. Only the write-overlay layer and the
	// subvolumes layer (insertion/removal of children) return false.
	IsImmutable() bool

	Close() error
}
