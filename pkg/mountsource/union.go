package mountsource

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/arcmount/arcmount/pkg/common"
)

// unionToken records which child a resolved FileInfo came from. It sits on
// top of whatever token(s) that child itself pushed, so popping it and
// handing the FileInfo back to the same child resumes exactly where that
// child's own Lookup left off.
type unionToken struct {
	child int
}

func (unionToken) Layer() string { return "union" }

// UnionCacheLimits bounds the lazily-built per-directory listing cache.
// Each bound is independently optional; zero means unbounded for that
// dimension.
type UnionCacheLimits struct {
	MaxDepth   int           // directories below this path depth are never cached
	MaxEntries int           // total cached directories across the whole union
	TTL        time.Duration // cached entries older than this are treated as a miss
}

type unionCacheEntry struct {
	path     string
	children map[string]*common.FileInfo
	builtAt  time.Time
	seq      uint64
}

// UnionSource merges children with right-to-left precedence for which
// child's content wins on a name collision (the last child listed wins),
// while version numbering across all children flows left-to-right,
// oldest to newest, so the combined sequence reads as one coherent
// history.
type UnionSource struct {
	children []Source
	limits   UnionCacheLimits

	mu    sync.Mutex
	cache *btree.BTree
	seq   uint64
}

func cacheEntryLess(a, b interface{}) bool {
	return a.(*unionCacheEntry).path < b.(*unionCacheEntry).path
}

// NewUnionSource merges children in left-to-right priority order (see
// UnionSource's doc comment for exactly what "priority" governs here).
func NewUnionSource(children []Source, limits UnionCacheLimits) *UnionSource {
	return &UnionSource{
		children: children,
		limits:   limits,
		cache:    btree.New(cacheEntryLess),
	}
}

func pathDepth(p string) int {
	p = strings.Trim(p, "/")
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

func (u *UnionSource) cacheGet(path string) (map[string]*common.FileInfo, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	item := u.cache.Get(&unionCacheEntry{path: path})
	if item == nil {
		return nil, false
	}
	e := item.(*unionCacheEntry)
	if u.limits.TTL > 0 && time.Since(e.builtAt) > u.limits.TTL {
		u.cache.Delete(item)
		return nil, false
	}
	return e.children, true
}

func (u *UnionSource) cachePut(path string, children map[string]*common.FileInfo) {
	if u.limits.MaxDepth > 0 && pathDepth(path) > u.limits.MaxDepth {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq++
	u.cache.Set(&unionCacheEntry{path: path, children: children, builtAt: time.Now(), seq: u.seq})

	if u.limits.MaxEntries > 0 && u.cache.Len() > u.limits.MaxEntries {
		var oldest *unionCacheEntry
		u.cache.Ascend(u.cache.Min(), func(it interface{}) bool {
			c := it.(*unionCacheEntry)
			if oldest == nil || c.seq < oldest.seq {
				oldest = c
			}
			return true
		})
		if oldest != nil {
			u.cache.Delete(oldest)
		}
	}
}

func (u *UnionSource) Lookup(p string, version int) (*common.FileInfo, error) {
	p = cleanPath(p)
	if version == 0 {
		for i := len(u.children) - 1; i >= 0; i-- {
			fi, err := u.children[i].Lookup(p, 0)
			if err == nil {
				fi.Push(unionToken{child: i})
				return fi, nil
			}
			if err != common.ErrNotFound {
				return nil, err
			}
		}
		return nil, common.ErrNotFound
	}

	cumulative := 0
	for i := range u.children {
		n, err := u.children[i].Versions(p)
		if err != nil {
			return nil, err
		}
		if version <= cumulative+n {
			fi, err := u.children[i].Lookup(p, version-cumulative)
			if err != nil {
				return nil, err
			}
			fi.Push(unionToken{child: i})
			return fi, nil
		}
		cumulative += n
	}
	return nil, common.ErrNotFound
}

func (u *UnionSource) Versions(p string) (int, error) {
	p = cleanPath(p)
	total := 0
	for _, c := range u.children {
		n, err := c.Versions(p)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// cloneChildren copies a cached listing so callers that consume a
// FileInfo's token stack (Open/Read pop destructively) never mutate the
// cache's own copies.
func cloneChildren(src map[string]*common.FileInfo) map[string]*common.FileInfo {
	out := make(map[string]*common.FileInfo, len(src))
	for name, fi := range src {
		cp := *fi
		cp.UserData = append([]common.UserDataToken(nil), fi.UserData...)
		out[name] = &cp
	}
	return out
}

func (u *UnionSource) mergedList(p string) (map[string]*common.FileInfo, error) {
	p = cleanPath(p)
	if cached, ok := u.cacheGet(p); ok {
		return cloneChildren(cached), nil
	}

	out := make(map[string]*common.FileInfo)
	found := false
	for i, c := range u.children {
		children, err := c.List(p)
		if err == common.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		for name, fi := range children {
			fi.Push(unionToken{child: i})
			out[name] = fi
		}
	}
	if !found {
		return nil, common.ErrNotFound
	}
	u.cachePut(p, out)
	return cloneChildren(out), nil
}

func (u *UnionSource) List(p string) (map[string]*common.FileInfo, error) {
	return u.mergedList(p)
}

func (u *UnionSource) ListMode(p string) (map[string]uint32, error) {
	merged, err := u.mergedList(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(merged))
	for name, fi := range merged {
		out[name] = fi.Mode
	}
	return out, nil
}

func (u *UnionSource) childOf(fi *common.FileInfo) (int, error) {
	tok := fi.Pop()
	ut, ok := tok.(unionToken)
	if !ok {
		return 0, common.ErrNotSupported
	}
	return ut.child, nil
}

func (u *UnionSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	idx, err := u.childOf(fi)
	if err != nil {
		return nil, err
	}
	return u.children[idx].Open(fi, buffering)
}

func (u *UnionSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	idx, err := u.childOf(fi)
	if err != nil {
		return nil, err
	}
	return u.children[idx].Read(fi, size, offset)
}

func (u *UnionSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	idx, err := u.childOf(fi)
	if err != nil {
		return nil, err
	}
	return u.children[idx].ListXattr(fi)
}

func (u *UnionSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	idx, err := u.childOf(fi)
	if err != nil {
		return nil, false, err
	}
	return u.children[idx].GetXattr(fi, key)
}

func (u *UnionSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	idx, err := u.childOf(fi)
	if err != nil {
		return "", nil, nil, err
	}
	return u.children[idx].GetMountSource(fi)
}

func (u *UnionSource) StatFS() (StatFS, error) {
	var agg StatFS
	for _, c := range u.children {
		s, err := c.StatFS()
		if err != nil {
			return StatFS{}, err
		}
		agg.Blocks += s.Blocks
		agg.Bfree += s.Bfree
		agg.Bavail += s.Bavail
		agg.Files += s.Files
		agg.Ffree += s.Ffree
		if s.Bsize > agg.Bsize {
			agg.Bsize = s.Bsize
		}
		if s.NameLen > agg.NameLen {
			agg.NameLen = s.NameLen
		}
	}
	return agg, nil
}

func (u *UnionSource) IsImmutable() bool {
	for _, c := range u.children {
		if !c.IsImmutable() {
			return false
		}
	}
	return true
}

func (u *UnionSource) Close() error {
	var first error
	for _, c := range u.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
