package mountsource

import (
	"fmt"
	"io"
	"time"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/index"
)

// archiveToken is the leaf routing token: the resolved entry itself, so
// Open/Read/xattr calls never need to re-query the index store.
type archiveToken struct {
	entry *common.Entry
}

func (archiveToken) Layer() string { return "archive" }

// ArchiveSource is the leaf mount source wrapping one archive's built
// index plus its payload reader. Always immutable; mutation is the
// write-overlay layer's job.
type ArchiveSource struct {
	store  *index.Store
	reader archive.Reader
	rootFI common.FileInfo
}

// NewArchiveSource pairs a completed index store with the archive.Reader
// that opened it, to satisfy Source over that archive.
func NewArchiveSource(store *index.Store, reader archive.Reader) *ArchiveSource {
	return &ArchiveSource{
		store:  store,
		reader: reader,
		rootFI: common.FileInfo{Mode: common.ModeDir | 0o755, Mtime: time.Unix(0, 0).UTC()},
	}
}

func entryToFileInfo(e *common.Entry) *common.FileInfo {
	mode := e.Mode & common.ModePerm
	switch e.Type {
	case common.TypeDirectory:
		mode |= common.ModeDir
	case common.TypeSymlink:
		mode |= common.ModeSymlink
	case common.TypeDevice:
		mode |= common.ModeDevice
	case common.TypeFIFO:
		mode |= common.ModeFIFO
	case common.TypeSocket:
		mode |= common.ModeSocket
	}
	fi := &common.FileInfo{
		Size:     e.Size,
		Mtime:    e.Mtime,
		Mode:     mode,
		Linkname: e.Linkname,
		UID:      e.UID,
		GID:      e.GID,
	}
	fi.Push(archiveToken{entry: e})
	return fi
}

func (a *ArchiveSource) Lookup(p string, version int) (*common.FileInfo, error) {
	p = cleanPath(p)
	if p == "/" {
		fi := a.rootFI
		return &fi, nil
	}
	parent, name := splitPath(p)
	total, err := a.store.Versions(parent, name)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, common.ErrNotFound
	}
	var offsetFromNewest int
	if version > 0 {
		if version > total {
			return nil, common.ErrNotFound
		}
		offsetFromNewest = total - version
	}
	e, err := a.store.Lookup(parent, name, offsetFromNewest)
	if err != nil {
		return nil, err
	}
	return entryToFileInfo(e), nil
}

func (a *ArchiveSource) Versions(p string) (int, error) {
	p = cleanPath(p)
	if p == "/" {
		return 1, nil
	}
	parent, name := splitPath(p)
	return a.store.Versions(parent, name)
}

// newestPerName collects, from a path's full (all-versions) entry list,
// only the newest row for each name — store.List already orders rows
// name ASC, offset DESC, so the first row seen per name wins.
func newestPerName(entries []common.Entry) map[string]*common.Entry {
	out := make(map[string]*common.Entry, len(entries))
	for i := range entries {
		e := &entries[i]
		if _, seen := out[e.Name]; !seen {
			out[e.Name] = e
		}
	}
	return out
}

func (a *ArchiveSource) List(p string) (map[string]*common.FileInfo, error) {
	entries, err := a.store.List(cleanPath(p))
	if err != nil {
		return nil, err
	}
	newest := newestPerName(entries)
	out := make(map[string]*common.FileInfo, len(newest))
	for name, e := range newest {
		out[name] = entryToFileInfo(e)
	}
	return out, nil
}

func (a *ArchiveSource) ListMode(p string) (map[string]uint32, error) {
	entries, err := a.store.List(cleanPath(p))
	if err != nil {
		return nil, err
	}
	newest := newestPerName(entries)
	out := make(map[string]uint32, len(newest))
	for name, e := range newest {
		out[name] = entryToFileInfo(e).Mode
	}
	return out, nil
}

func (a *ArchiveSource) leafToken(fi *common.FileInfo) (*common.Entry, error) {
	tok := fi.Pop()
	at, ok := tok.(archiveToken)
	if !ok {
		return nil, fmt.Errorf("mountsource: archive leaf got foreign token %v", tok)
	}
	return at.entry, nil
}

func (a *ArchiveSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	e, err := a.leafToken(fi)
	if err != nil {
		return nil, err
	}
	return a.reader.Open(e)
}

func (a *ArchiveSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	rs, err := a.Open(fi, -1)
	if err != nil {
		return nil, err
	}
	if _, err := rs.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(rs, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (a *ArchiveSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	e, err := a.leafToken(fi)
	if err != nil {
		return nil, err
	}
	return a.store.ListXattr(e.Path, e.Name)
}

func (a *ArchiveSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	e, err := a.leafToken(fi)
	if err != nil {
		return nil, false, err
	}
	return a.store.GetXattr(e.Path, e.Name, key)
}

func (a *ArchiveSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	if _, err := a.leafToken(fi); err != nil {
		return "", nil, nil, err
	}
	return "", a, fi, nil
}

func (a *ArchiveSource) StatFS() (StatFS, error) {
	files, totalSize, err := a.store.Stat()
	if err != nil {
		return StatFS{}, err
	}
	const bsize = 256 * 1024
	blocks := uint64(totalSize)/bsize + 1
	return StatFS{
		Blocks:  blocks,
		Bfree:   0,
		Bavail:  0,
		Files:   uint64(files),
		Ffree:   0,
		Bsize:   bsize,
		NameLen: 255,
	}, nil
}

func (a *ArchiveSource) IsImmutable() bool { return true }

func (a *ArchiveSource) Close() error {
	rerr := a.reader.Close()
	serr := a.store.Close()
	if rerr != nil {
		return rerr
	}
	return serr
}
