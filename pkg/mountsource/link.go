package mountsource

import (
	"io"
	"path"
	"strings"

	"github.com/arcmount/arcmount/pkg/common"
)

// LinkResolveSource is the optional link-resolution layer: it rewrites a
// symlink or hardlink's FileInfo into its target's, following the chain
// until a non-link entry is reached. Cycle detection caps at 128 hops; a
// revisited target terminates the chain and the last known FileInfo is
// returned.
//
// Resolution fully replaces the FileInfo rather than wrapping it, so this
// layer pushes no token of its own: the resolved FileInfo's routing stack
// already belongs to inner, and Open/Read/etc. forward untouched.
type LinkResolveSource struct {
	inner Source
}

func NewLinkResolveSource(inner Source) *LinkResolveSource {
	return &LinkResolveSource{inner: inner}
}

func (l *LinkResolveSource) resolve(p string, fi *common.FileInfo) (*common.FileInfo, error) {
	if fi.Linkname == "" {
		return fi, nil
	}
	visited := make(map[string]bool)
	cur := fi
	curPath := cleanPath(p)
	for hop := 0; hop < 128; hop++ {
		if cur.Linkname == "" {
			break
		}
		// A relative target is resolved against the link's own directory,
		// the same way the kernel walks host symlinks.
		target := cur.Linkname
		if !strings.HasPrefix(target, "/") {
			target = cleanPath(path.Dir(curPath) + "/" + target)
		}
		if visited[target] {
			break
		}
		visited[target] = true
		next, err := l.inner.Lookup(target, 0)
		if err != nil {
			break
		}
		cur = next
		curPath = target
	}
	return cur, nil
}

func (l *LinkResolveSource) Lookup(p string, version int) (*common.FileInfo, error) {
	fi, err := l.inner.Lookup(p, version)
	if err != nil {
		return nil, err
	}
	return l.resolve(p, fi)
}

func (l *LinkResolveSource) Versions(p string) (int, error) {
	return l.inner.Versions(p)
}

func (l *LinkResolveSource) List(p string) (map[string]*common.FileInfo, error) {
	children, err := l.inner.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*common.FileInfo, len(children))
	for name, fi := range children {
		resolved, err := l.resolve(joinPath(cleanPath(p), name), fi)
		if err != nil {
			return nil, err
		}
		out[name] = resolved
	}
	return out, nil
}

func (l *LinkResolveSource) ListMode(p string) (map[string]uint32, error) {
	children, err := l.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(children))
	for name, fi := range children {
		out[name] = fi.Mode
	}
	return out, nil
}

func (l *LinkResolveSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	return l.inner.Open(fi, buffering)
}

func (l *LinkResolveSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	return l.inner.Read(fi, size, offset)
}

func (l *LinkResolveSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	return l.inner.ListXattr(fi)
}

func (l *LinkResolveSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return l.inner.GetXattr(fi, key)
}

func (l *LinkResolveSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	return l.inner.GetMountSource(fi)
}

func (l *LinkResolveSource) StatFS() (StatFS, error) { return l.inner.StatFS() }

func (l *LinkResolveSource) IsImmutable() bool { return l.inner.IsImmutable() }

func (l *LinkResolveSource) Close() error { return l.inner.Close() }
