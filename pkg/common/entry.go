// Package common holds the data model shared by every layer of arcmount:
// archive entries, file-info values handed back from a mount source lookup,
// and the userdata routing stack that lets composite layers avoid re-walking
// a path on every operation.
package common

import "time"

// EntryType is the kind of filesystem object an archive entry denotes.
type EntryType uint8

const (
	TypeRegular EntryType = iota
	TypeDirectory
	TypeSymlink
	TypeHardlink
	TypeDevice
	TypeFIFO
	TypeSocket
)

// Entry is one archive entry version: a path plus everything needed to
// stat it and to locate its payload in the compressed stream.
type Entry struct {
	Path     string
	Name     string
	Type     EntryType
	Size     int64
	Mtime    time.Time
	Mode     uint32
	UID      uint32
	GID      uint32
	Linkname string

	// Location data: where the payload begins in the compressed stream,
	// how long it runs, and for TAR specifically the block-aligned
	// header offset. Offset doubles as the stable tie-breaker between
	// versions sharing a (path, name).
	Offset         int64
	PayloadLength  int64
	HeaderOffset   int64
	IsSparse       bool
	RecursionDepth int

	Xattrs map[string][]byte
}

// IsDir reports whether the entry denotes a directory.
func (e *Entry) IsDir() bool { return e.Type == TypeDirectory }

// FileInfo is the runtime value handed back by Source.Lookup. UserData
// is the layer routing stack: each composite layer pushes a
// discriminator token in Lookup and pops it on subsequent operations
// instead of re-walking the path.
type FileInfo struct {
	Size     int64
	Mtime    time.Time
	Mode     uint32
	Linkname string
	UID      uint32
	GID      uint32

	UserData []UserDataToken
}

// UserDataToken is one frame of the layer routing stack. Layer is a
// free-form discriminator (each mountsource layer defines its own token
// type satisfying this interface); Value carries whatever state that layer
// needs to resume an operation without re-resolving the path.
type UserDataToken interface {
	// Layer names the mountsource layer that pushed this token, used
	// for defensive pop-validation.
	Layer() string
}

// Push appends a token to the routing stack.
func (fi *FileInfo) Push(tok UserDataToken) {
	fi.UserData = append(fi.UserData, tok)
}

// Pop removes and returns the top-most token, or nil if the stack is empty.
func (fi *FileInfo) Pop() UserDataToken {
	n := len(fi.UserData)
	if n == 0 {
		return nil
	}
	tok := fi.UserData[n-1]
	fi.UserData = fi.UserData[:n-1]
	return tok
}

// Peek returns the top-most token without removing it, or nil if the
// stack is empty. Used by layers (the auto-mount layer in particular)
// that need to decide whether *they* pushed the top token before popping
// it, since a plain pass-through entry carries no token of their own.
func (fi *FileInfo) Peek() UserDataToken {
	n := len(fi.UserData)
	if n == 0 {
		return nil
	}
	return fi.UserData[n-1]
}

// IsDir reports whether the mode bits denote a directory.
func (fi *FileInfo) IsDir() bool { return fi.Mode&ModeDir != 0 }

// IsSymlink reports whether the mode bits denote a symlink.
func (fi *FileInfo) IsSymlink() bool { return fi.Mode&ModeSymlink != 0 }

// Mode bit layout: permission bits in the low 12 bits (ModePerm) and one
// package-local flag bit per file type in the top bits (not the POSIX
// S_IF* values), so callers never need to import syscall just to test a
// type bit.
const (
	ModePerm    = 0o7777
	ModeDir     = 1 << 31
	ModeSymlink = 1 << 30
	ModeDevice  = 1 << 29
	ModeFIFO    = 1 << 28
	ModeSocket  = 1 << 27
)

// Fingerprint identifies the archive an index was built from: size is
// always checked, mtime only when the caller opts in (--verify-mtime),
// and the content-hash prefix is recorded alongside them but is not
// compared by Matches.
type Fingerprint struct {
	Size       int64
	Mtime      time.Time
	HashPrefix []byte
}

// Matches reports whether fp matches the fingerprint recorded in an
// index, applying the opt-in mtime check.
func (fp Fingerprint) Matches(recorded Fingerprint, verifyMtime bool) bool {
	if fp.Size != recorded.Size {
		return false
	}
	if verifyMtime && !fp.Mtime.Equal(recorded.Mtime) {
		return false
	}
	return true
}
