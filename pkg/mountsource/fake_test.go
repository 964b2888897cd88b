package mountsource

import (
	"bytes"
	"io"

	"github.com/arcmount/arcmount/pkg/common"
)

// fakeSource is a minimal in-memory Source used to unit-test the
// path-rewriting layers (versioning, remove-prefix, link-resolution)
// without needing a real archive or host directory underneath. Versions
// are stored oldest-first; version 0 means newest.
type fakeSource struct {
	versions map[string][]fakeEntry // path -> versions, oldest first
	children map[string][]string    // dir -> child names
}

type fakeEntry struct {
	data     string
	linkname string
	mode     uint32
}

func newFakeSource() *fakeSource {
	return &fakeSource{versions: make(map[string][]fakeEntry), children: make(map[string][]string)}
}

func (f *fakeSource) put(dir, name string, e fakeEntry) {
	p := joinPath(dir, name)
	f.versions[p] = append(f.versions[p], e)
	for _, c := range f.children[dir] {
		if c == name {
			return
		}
	}
	f.children[dir] = append(f.children[dir], name)
}

func (f *fakeSource) Lookup(p string, version int) (*common.FileInfo, error) {
	p = cleanPath(p)
	vs, ok := f.versions[p]
	if !ok {
		if _, isDir := f.children[p]; isDir || p == "/" {
			return &common.FileInfo{Mode: common.ModeDir | 0o755}, nil
		}
		return nil, common.ErrNotFound
	}
	n := version
	if n == 0 {
		n = len(vs)
	}
	if n < 1 || n > len(vs) {
		return nil, common.ErrNotFound
	}
	e := vs[n-1]
	mode := e.mode
	if mode == 0 {
		mode = 0o644
	}
	return &common.FileInfo{Size: int64(len(e.data)), Mode: mode, Linkname: e.linkname}, nil
}

func (f *fakeSource) Versions(p string) (int, error) {
	return len(f.versions[cleanPath(p)]), nil
}

func (f *fakeSource) List(p string) (map[string]*common.FileInfo, error) {
	names, ok := f.children[cleanPath(p)]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := make(map[string]*common.FileInfo, len(names))
	for _, name := range names {
		fi, err := f.Lookup(joinPath(p, name), 0)
		if err != nil {
			return nil, err
		}
		out[name] = fi
	}
	return out, nil
}

func (f *fakeSource) ListMode(p string) (map[string]uint32, error) {
	children, err := f.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(children))
	for name, fi := range children {
		out[name] = fi.Mode
	}
	return out, nil
}

func (f *fakeSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	return bytes.NewReader(make([]byte, fi.Size)), nil
}

func (f *fakeSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	return make([]byte, size), nil
}

func (f *fakeSource) ListXattr(fi *common.FileInfo) ([]string, error) { return nil, nil }
func (f *fakeSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	return "", f, fi, nil
}
func (f *fakeSource) StatFS() (StatFS, error) { return StatFS{}, nil }
func (f *fakeSource) IsImmutable() bool       { return true }
func (f *fakeSource) Close() error            { return nil }
