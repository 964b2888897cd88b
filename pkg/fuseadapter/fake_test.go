package fuseadapter

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/mountsource"
)

// fakeSource is a minimal in-memory mountsource.Source for exercising the
// FUSE node dispatch logic without a real archive or host directory,
// mirroring pkg/mountsource's own fakeSource test double. Like the real
// leaf sources (pkg/mountsource/folder.go), it stashes the resolved path
// as a routing token so Read never needs to re-derive it from fi alone.
type fakeSource struct {
	files    map[string][]byte
	linkname map[string]string
	children map[string][]string
}

type fakePathToken struct{ path string }

func (fakePathToken) Layer() string { return "fake" }

func newFakeSource() *fakeSource {
	return &fakeSource{
		files:    make(map[string][]byte),
		linkname: make(map[string]string),
		children: make(map[string][]string),
	}
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return p
}

func (f *fakeSource) putFile(p string, data []byte) {
	p = clean(p)
	f.files[p] = data
	f.addChild(p)
}

func (f *fakeSource) putSymlink(p, target string) {
	p = clean(p)
	f.linkname[p] = target
	f.addChild(p)
}

func (f *fakeSource) addChild(p string) {
	dir := path.Dir(p)
	name := path.Base(p)
	for _, c := range f.children[dir] {
		if c == name {
			return
		}
	}
	f.children[dir] = append(f.children[dir], name)
	if dir != "/" {
		f.addChild(dir + "/")
	}
}

func (f *fakeSource) Lookup(p string, version int) (*common.FileInfo, error) {
	p = clean(p)
	if data, ok := f.files[p]; ok {
		fi := &common.FileInfo{Size: int64(len(data)), Mode: 0o644}
		fi.Push(fakePathToken{path: p})
		return fi, nil
	}
	if target, ok := f.linkname[p]; ok {
		return &common.FileInfo{Mode: common.ModeSymlink | 0o777, Linkname: target}, nil
	}
	if _, ok := f.children[p]; ok || p == "/" {
		return &common.FileInfo{Mode: common.ModeDir | 0o755}, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeSource) Versions(p string) (int, error) {
	if _, err := f.Lookup(p, 0); err != nil {
		return 0, nil
	}
	return 1, nil
}

func (f *fakeSource) List(p string) (map[string]*common.FileInfo, error) {
	p = clean(p)
	names, ok := f.children[p]
	if !ok && p != "/" {
		return nil, common.ErrNotFound
	}
	out := make(map[string]*common.FileInfo, len(names))
	for _, name := range names {
		childPath := p
		if !strings.HasSuffix(childPath, "/") {
			childPath += "/"
		}
		fi, err := f.Lookup(childPath+name, 0)
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
	return bytes.NewReader(nil), nil
}

func (f *fakeSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	tok := fi.Pop()
	pt, ok := tok.(fakePathToken)
	if !ok {
		return make([]byte, size), nil
	}
	data := f.files[pt.path]
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + int64(size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (f *fakeSource) ListXattr(fi *common.FileInfo) ([]string, error) { return nil, nil }
func (f *fakeSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeSource) GetMountSource(fi *common.FileInfo) (string, mountsource.Source, *common.FileInfo, error) {
	return "", f, fi, nil
}
func (f *fakeSource) StatFS() (mountsource.StatFS, error) { return mountsource.StatFS{}, nil }
func (f *fakeSource) IsImmutable() bool                   { return true }
func (f *fakeSource) Close() error                        { return nil }
