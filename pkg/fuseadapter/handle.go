package fuseadapter

import "os"

// fileHandle is one row of the file-handle table: a monotonic 64-bit id
// mapped to the open flags and, once writing starts, the host file.
//
// writeFile is nil until the first Write call triggers copy-up; until
// then reads on the handle go through the mount source.
type fileHandle struct {
	path      string
	flags     uint32
	writeFile *os.File
}

// fileHandleID is the concrete value returned as a go-fuse FileHandle;
// fs.FileHandle is an empty interface, so any comparable type works,
// but a named uint64 keeps intent explicit at call sites.
type fileHandleID uint64

func (fsys *FileSystem) allocHandle(path string, flags uint32) fileHandleID {
	fsys.handlesMu.Lock()
	defer fsys.handlesMu.Unlock()
	fsys.nextHandle++
	id := fileHandleID(fsys.nextHandle)
	fsys.handles[uint64(id)] = &fileHandle{path: path, flags: flags}
	return id
}

func (fsys *FileSystem) handleFor(id fileHandleID) *fileHandle {
	fsys.handlesMu.Lock()
	defer fsys.handlesMu.Unlock()
	return fsys.handles[uint64(id)]
}

func (fsys *FileSystem) releaseHandle(id fileHandleID) {
	fsys.handlesMu.Lock()
	h := fsys.handles[uint64(id)]
	delete(fsys.handles, uint64(id))
	fsys.handlesMu.Unlock()
	if h != nil && h.writeFile != nil {
		h.writeFile.Close()
	}
}
