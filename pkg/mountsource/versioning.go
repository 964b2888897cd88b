package mountsource

import (
	"io"
	"strconv"
	"strings"

	"github.com/arcmount/arcmount/pkg/common"
)

// versionsSuffix is the pseudo-directory suffix this layer recognizes:
// "<path>.versions/N" resolves to the N-th version of <path>.
const versionsSuffix = ".versions"

// VersionSource is the file-version layer. It has no token of its own:
// every FileInfo it hands back came straight from inner.Lookup, so
// Open/Read/xattr calls forward to inner untouched — this layer only
// intercepts path parsing, never routes storage.
//
// Version numbering: 1 = oldest, versions(p) = newest, 0 aliases the
// newest. Self-referential hardlinks (a TAR member whose link target is
// its own path, which only makes sense against an older version of that
// same path) are resolved by walking backward through the version chain,
// terminating on a revisit and returning the last valid FileInfo.
type VersionSource struct {
	inner Source
}

func NewVersionSource(inner Source) *VersionSource {
	return &VersionSource{inner: inner}
}

// parseVersionsEntry splits "<base>.versions/<N>" into (base, N). N == 0
// means the alias form "<base>.versions/0" (newest).
func parseVersionsEntry(p string) (base string, version int, ok bool) {
	p = cleanPath(p)
	idx := strings.Index(p, versionsSuffix+"/")
	if idx < 0 {
		return "", 0, false
	}
	base = p[:idx]
	rest := p[idx+len(versionsSuffix)+1:]
	if base == "" {
		base = "/"
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return base, n, true
}

// parseVersionsDir recognizes the bare "<base>.versions" pseudo-directory
// itself (listing it enumerates every version number).
func parseVersionsDir(p string) (base string, ok bool) {
	p = cleanPath(p)
	if !strings.HasSuffix(p, versionsSuffix) {
		return "", false
	}
	base = strings.TrimSuffix(p, versionsSuffix)
	if base == "" {
		base = "/"
	}
	return base, true
}

func (v *VersionSource) Lookup(p string, version int) (*common.FileInfo, error) {
	if base, n, ok := parseVersionsEntry(p); ok {
		return v.resolveVersion(base, n)
	}
	if base, ok := parseVersionsDir(p); ok {
		total, err := v.inner.Versions(base)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, common.ErrNotFound
		}
		return &common.FileInfo{Mode: common.ModeDir | 0o555}, nil
	}
	fi, err := v.inner.Lookup(p, version)
	if err != nil {
		return nil, err
	}
	return v.resolveSelfHardlink(p, fi, version)
}

func (v *VersionSource) resolveVersion(base string, n int) (*common.FileInfo, error) {
	total, err := v.inner.Versions(base)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, common.ErrNotFound
	}
	if n == 0 {
		n = total
	}
	if n < 1 || n > total {
		return nil, common.ErrNotFound
	}
	return v.inner.Lookup(base, n)
}

// resolveSelfHardlink walks backward through older versions of p when fi
// is a hardlink whose recorded target is p itself. Capped at 128 hops;
// a revisited version number terminates the walk, returning the last
// valid FileInfo found so far.
func (v *VersionSource) resolveSelfHardlink(p string, fi *common.FileInfo, version int) (*common.FileInfo, error) {
	if fi.Linkname != p {
		return fi, nil
	}
	total, err := v.inner.Versions(p)
	if err != nil {
		return fi, nil
	}
	n := version
	if n == 0 {
		n = total
	}
	visited := make(map[int]bool)
	last := fi
	for hop := 0; hop < 128; hop++ {
		n--
		if n < 1 || visited[n] {
			break
		}
		visited[n] = true
		cand, err := v.inner.Lookup(p, n)
		if err != nil {
			break
		}
		if cand.Linkname != p {
			return cand, nil
		}
		last = cand
	}
	return last, nil
}

func (v *VersionSource) Versions(p string) (int, error) {
	if _, _, ok := parseVersionsEntry(p); ok {
		return 1, nil
	}
	if base, ok := parseVersionsDir(p); ok {
		total, err := v.inner.Versions(base)
		if err != nil || total == 0 {
			return 0, err
		}
		return 1, nil
	}
	return v.inner.Versions(p)
}

func (v *VersionSource) List(p string) (map[string]*common.FileInfo, error) {
	if base, ok := parseVersionsDir(p); ok {
		total, err := v.inner.Versions(base)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, common.ErrNotFound
		}
		out := make(map[string]*common.FileInfo, total)
		for n := 1; n <= total; n++ {
			fi, err := v.inner.Lookup(base, n)
			if err != nil {
				return nil, err
			}
			out[strconv.Itoa(n)] = fi
		}
		return out, nil
	}
	return v.inner.List(p)
}

func (v *VersionSource) ListMode(p string) (map[string]uint32, error) {
	children, err := v.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(children))
	for name, fi := range children {
		out[name] = fi.Mode
	}
	return out, nil
}

// Open, Read, ListXattr, GetXattr, and GetMountSource all forward
// straight to inner: this layer pushes no token of its own, since every
// FileInfo it returns came directly from inner.Lookup.
func (v *VersionSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	return v.inner.Open(fi, buffering)
}

func (v *VersionSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	return v.inner.Read(fi, size, offset)
}

func (v *VersionSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	return v.inner.ListXattr(fi)
}

func (v *VersionSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return v.inner.GetXattr(fi, key)
}

func (v *VersionSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	return v.inner.GetMountSource(fi)
}

func (v *VersionSource) StatFS() (StatFS, error) { return v.inner.StatFS() }

func (v *VersionSource) IsImmutable() bool { return v.inner.IsImmutable() }

func (v *VersionSource) Close() error { return v.inner.Close() }
