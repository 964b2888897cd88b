// Package fuseadapter maps FUSE VFS calls onto mountsource.Source
// operations: an Inode-embedding node type per path, a lookup cache,
// zerolog call tracing, and a write path wired to pkg/overlay when one
// is configured.
package fuseadapter

import (
	"sync"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arcmount/arcmount/pkg/mountsource"
	"github.com/arcmount/arcmount/pkg/overlay"
)

// lookupCacheEntry is a resolved child inode plus the attr that was
// last handed back for it, so a repeated Lookup skips re-resolving the
// path through the source stack.
type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

// FileSystem is the root of the FUSE tree: one mountsource.Source (the
// fully composed layer stack) plus an optional write overlay. When
// overlay is non-nil it is the same Source as source (Overlay satisfies
// mountsource.Source for the read path) — kept as a separate field only
// because its write-only methods (Create, Unlink, Rename, ...) have no
// equivalent in the Source contract.
type FileSystem struct {
	source  mountsource.Source
	overlay *overlay.Overlay
	root    *Node

	cacheMu     sync.RWMutex
	lookupCache map[string]*lookupCacheEntry

	handlesMu  sync.Mutex
	handles    map[uint64]*fileHandle
	nextHandle uint64
}

// NewFileSystem wires source (and, if the mount was started with
// --write-overlay, ov) into a fresh FUSE tree. ov may be nil for a
// read-only mount, in which case every write operation returns EROFS.
func NewFileSystem(source mountsource.Source, ov *overlay.Overlay) *FileSystem {
	fsys := &FileSystem{
		source:      source,
		overlay:     ov,
		lookupCache: make(map[string]*lookupCacheEntry),
		handles:     make(map[uint64]*fileHandle),
	}
	fsys.root = &Node{fsys: fsys, path: "/"}
	return fsys
}

func (fsys *FileSystem) Root() (fs.InodeEmbedder, error) {
	return fsys.root, nil
}

// invalidate drops any cached inode for path, used after a write
// operation changes what Lookup(path) would return.
func (fsys *FileSystem) invalidate(path string) {
	fsys.cacheMu.Lock()
	delete(fsys.lookupCache, path)
	fsys.cacheMu.Unlock()
}
