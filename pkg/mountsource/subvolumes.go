package mountsource

import (
	"io"
	"strings"
	"sync"

	"github.com/arcmount/arcmount/pkg/common"
)

// subvolumeToken records which named child a resolved FileInfo belongs
// to, the same routing shape union.go uses but keyed by name instead of
// index since subvolumes are added and removed at runtime.
type subvolumeToken struct {
	name string
}

func (subvolumeToken) Layer() string { return "subvolumes" }

// SubvolumesSource places each child at /<name>/…. Mutable:
// Mount/Unmount change the child set at runtime, so IsImmutable always
// reports false regardless of the children's own immutability.
type SubvolumesSource struct {
	mu       sync.RWMutex
	children map[string]Source
}

func NewSubvolumesSource() *SubvolumesSource {
	return &SubvolumesSource{children: make(map[string]Source)}
}

// Mount grafts child at /<name>. Replaces any existing subvolume of the
// same name without closing it — callers that want the old one closed
// should Unmount first.
func (s *SubvolumesSource) Mount(name string, child Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[name] = child
}

// Unmount removes and returns the subvolume at name, if any, leaving the
// caller responsible for Close.
func (s *SubvolumesSource) Unmount(name string) Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.children[name]
	delete(s.children, name)
	return c
}

// splitSubvolume divides a cleaned path into its leading /<name> component
// and the remainder to hand to that child (e.g. "/db/data/wal" ->
// ("db", "/data/wal")).
func splitSubvolume(p string) (name, rest string) {
	p = cleanPath(p)
	if p == "/" {
		return "", "/"
	}
	trimmed := p[1:]
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i:]
		}
	}
	return trimmed, "/"
}

func (s *SubvolumesSource) child(name string) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[name]
	return c, ok
}

func (s *SubvolumesSource) Lookup(p string, version int) (*common.FileInfo, error) {
	name, rest := splitSubvolume(p)
	if name == "" {
		fi := &common.FileInfo{Mode: common.ModeDir | 0o755}
		return fi, nil
	}
	c, ok := s.child(name)
	if !ok {
		return nil, common.ErrNotFound
	}
	fi, err := c.Lookup(rest, version)
	if err != nil {
		return nil, err
	}
	fi.Push(subvolumeToken{name: name})
	return fi, nil
}

func (s *SubvolumesSource) Versions(p string) (int, error) {
	name, rest := splitSubvolume(p)
	if name == "" {
		return 1, nil
	}
	c, ok := s.child(name)
	if !ok {
		return 0, nil
	}
	return c.Versions(rest)
}

func (s *SubvolumesSource) List(p string) (map[string]*common.FileInfo, error) {
	name, rest := splitSubvolume(p)
	if name == "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make(map[string]*common.FileInfo, len(s.children))
		for n := range s.children {
			fi := &common.FileInfo{Mode: common.ModeDir | 0o755}
			fi.Push(subvolumeToken{name: n})
			out[n] = fi
		}
		return out, nil
	}
	c, ok := s.child(name)
	if !ok {
		return nil, common.ErrNotFound
	}
	children, err := c.List(rest)
	if err != nil {
		return nil, err
	}
	for _, fi := range children {
		fi.Push(subvolumeToken{name: name})
	}
	return children, nil
}

func (s *SubvolumesSource) ListMode(p string) (map[string]uint32, error) {
	children, err := s.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(children))
	for name, fi := range children {
		out[name] = fi.Mode
	}
	return out, nil
}

func (s *SubvolumesSource) nameOf(fi *common.FileInfo) (string, error) {
	tok := fi.Pop()
	st, ok := tok.(subvolumeToken)
	if !ok {
		return "", common.ErrNotSupported
	}
	return st.name, nil
}

func (s *SubvolumesSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	name, err := s.nameOf(fi)
	if err != nil {
		return nil, err
	}
	c, ok := s.child(name)
	if !ok {
		return nil, common.ErrNotFound
	}
	return c.Open(fi, buffering)
}

func (s *SubvolumesSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	name, err := s.nameOf(fi)
	if err != nil {
		return nil, err
	}
	c, ok := s.child(name)
	if !ok {
		return nil, common.ErrNotFound
	}
	return c.Read(fi, size, offset)
}

func (s *SubvolumesSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	name, err := s.nameOf(fi)
	if err != nil {
		return nil, err
	}
	c, ok := s.child(name)
	if !ok {
		return nil, common.ErrNotFound
	}
	return c.ListXattr(fi)
}

func (s *SubvolumesSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	name, err := s.nameOf(fi)
	if err != nil {
		return nil, false, err
	}
	c, ok := s.child(name)
	if !ok {
		return nil, false, common.ErrNotFound
	}
	return c.GetXattr(fi, key)
}

func (s *SubvolumesSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	name, err := s.nameOf(fi)
	if err != nil {
		return "", nil, nil, err
	}
	c, ok := s.child(name)
	if !ok {
		return "", nil, nil, common.ErrNotFound
	}
	mountPoint, inner, innerFI, err := c.GetMountSource(fi)
	if err != nil {
		return "", nil, nil, err
	}
	prefix := "/" + name
	if mountPoint != "" {
		prefix = prefix + "/" + strings.TrimPrefix(mountPoint, "/")
	}
	return prefix, inner, innerFI, nil
}

func (s *SubvolumesSource) StatFS() (StatFS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg StatFS
	for _, c := range s.children {
		st, err := c.StatFS()
		if err != nil {
			return StatFS{}, err
		}
		agg.Blocks += st.Blocks
		agg.Bfree += st.Bfree
		agg.Bavail += st.Bavail
		agg.Files += st.Files
		agg.Ffree += st.Ffree
		if st.Bsize > agg.Bsize {
			agg.Bsize = st.Bsize
		}
		if st.NameLen > agg.NameLen {
			agg.NameLen = st.NameLen
		}
	}
	return agg, nil
}

// IsImmutable is always false: subvolume insertion/removal is itself a
// mutation the other layers never perform.
func (s *SubvolumesSource) IsImmutable() bool { return false }

func (s *SubvolumesSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, c := range s.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
