package mountsource

import (
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/arcmount/arcmount/pkg/common"
)

// automountGraftToken marks a FileInfo as belonging to a nested mount
// source grafted in for a recognized archive file, rather than passing
// straight through to the wrapped inner source. Plain (non-archive)
// entries carry no token of this layer's own — Open/Read/etc. delegate to
// inner untouched, which is why every method here Peek()s before Pop()ing.
type automountGraftToken struct {
	graft string
}

func (automountGraftToken) Layer() string { return "automount" }

// ArchiveOpener builds a nested mount source for a file that the
// predicate recognized as an archive, given the path it lives at and its
// already-open byte stream. Supplied by the caller (pkg/factory) rather
// than imported here, since the factory's format-sniffing and
// mountsource's layer stack would otherwise import each other.
type ArchiveOpener func(path string, fi *common.FileInfo, rs io.ReadSeeker, size int64) (Source, error)

// AutoMountSource implements the recursion layer: for every file
// visited, IsArchive decides whether to open it as a nested mount
// source and graft it at (optionally transformed) the file's own path.
// Each graft wraps its nested source in another AutoMountSource one
// depth deeper, so the recursion-depth bound is enforced structurally
// rather than by threading a counter through every call.
type AutoMountSource struct {
	inner     Source
	IsArchive   func(name string, fi *common.FileInfo) bool
	OpenArchive ArchiveOpener

	StripSuffix    bool
	TransformRegex *regexp.Regexp
	TransformRepl  string
	MaxDepth       int
	Lazy           bool

	depth int

	mu       sync.Mutex
	grafted  map[string]Source
	building map[string]bool
}

// NewAutoMountSource wraps inner with recursive auto-mounting. opener and
// isArchive are required; the rest configure graft naming and bounds.
func NewAutoMountSource(inner Source, isArchive func(string, *common.FileInfo) bool, opener ArchiveOpener, stripSuffix bool, transform *regexp.Regexp, transformRepl string, maxDepth int, lazy bool) *AutoMountSource {
	return &AutoMountSource{
		inner:          inner,
		IsArchive:      isArchive,
		OpenArchive:    opener,
		StripSuffix:    stripSuffix,
		TransformRegex: transform,
		TransformRepl:  transformRepl,
		MaxDepth:       maxDepth,
		Lazy:           lazy,
		grafted:        make(map[string]Source),
		building:       make(map[string]bool),
	}
}

var knownArchiveSuffixes = []string{
	".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz",
	".tar.zst", ".zip", ".7z", ".rar", ".squashfs", ".sqfs",
}

func stripArchiveSuffix(name string) string {
	lower := strings.ToLower(name)
	for _, suf := range knownArchiveSuffixes {
		if strings.HasSuffix(lower, suf) {
			return name[:len(name)-len(suf)]
		}
	}
	return name
}

func (a *AutoMountSource) graftNameFor(originalName string) string {
	name := originalName
	if a.StripSuffix {
		name = stripArchiveSuffix(name)
	}
	if a.TransformRegex != nil {
		name = a.TransformRegex.ReplaceAllString(name, a.TransformRepl)
	}
	return name
}

func (a *AutoMountSource) graftPathFor(originalPath string) string {
	dir, name := splitPath(originalPath)
	return joinPath(dir, a.graftNameFor(name))
}

func (a *AutoMountSource) wrapNested(raw Source) Source {
	if a.MaxDepth > 0 && a.depth+1 >= a.MaxDepth {
		return raw
	}
	return &AutoMountSource{
		inner: raw, IsArchive: a.IsArchive, OpenArchive: a.OpenArchive,
		StripSuffix: a.StripSuffix, TransformRegex: a.TransformRegex, TransformRepl: a.TransformRepl,
		MaxDepth: a.MaxDepth, Lazy: a.Lazy, depth: a.depth + 1,
		grafted: make(map[string]Source), building: make(map[string]bool),
	}
}

// buildGraft opens originalPath (an archive file known to the inner
// source) as a nested mount source and records it under its graft path.
// The caller must hold a.mu and have set building[graft] first, to guard
// lazy mode against a lookup cycle re-entering the same graft.
func (a *AutoMountSource) buildGraft(originalPath string, fi *common.FileInfo) (Source, string, error) {
	graft := a.graftPathFor(originalPath)
	rs, err := a.inner.Open(fi, -1)
	if err != nil {
		return nil, "", err
	}
	raw, err := a.OpenArchive(originalPath, fi, rs, fi.Size)
	if err != nil {
		return nil, "", err
	}
	nested := a.wrapNested(raw)

	a.mu.Lock()
	a.grafted[graft] = nested
	delete(a.building, graft)
	a.mu.Unlock()
	return nested, graft, nil
}

// buildEager recursively walks inner and grafts every recognized archive
// file, then recurses into each freshly grafted source so the whole tree
// is built at once.
func (a *AutoMountSource) buildEager(dir string) error {
	children, err := a.inner.List(dir)
	if err != nil {
		if err == common.ErrNotFound {
			return nil
		}
		return err
	}
	for name, fi := range children {
		childPath := joinPath(dir, name)
		if fi.IsDir() {
			if err := a.buildEager(childPath); err != nil {
				return err
			}
			continue
		}
		if !a.IsArchive(name, fi) {
			continue
		}
		lookupFI, err := a.inner.Lookup(childPath, 0)
		if err != nil {
			return fmt.Errorf("mountsource: automount eager lookup %s: %w", childPath, err)
		}
		nested, _, err := a.buildGraft(childPath, lookupFI)
		if err != nil {
			return fmt.Errorf("mountsource: automount eager graft %s: %w", childPath, err)
		}
		if am, ok := nested.(*AutoMountSource); ok {
			if err := am.buildEager("/"); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildEager triggers the eager build from the root. Callers use this
// once after construction when Lazy is false; it is a no-op for a lazy
// source.
func (a *AutoMountSource) BuildEager() error {
	if a.Lazy {
		return nil
	}
	return a.buildEager("/")
}

func (a *AutoMountSource) resolveGraft(p string) (Source, string, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for graft, nested := range a.grafted {
		if p == graft {
			return nested, "/", graft, true
		}
		if strings.HasPrefix(p, graft+"/") {
			return nested, p[len(graft):], graft, true
		}
	}
	return nil, "", "", false
}

// lazyBuildAncestor walks p's path components against the *untransformed*
// inner namespace, grafting the first archive file it finds along the
// way. This only recognizes a graft on first access when StripSuffix and
// TransformRegex leave the name unchanged (the common default
// configuration) — once a graft exists (from this or a prior access) it
// is found directly by resolveGraft regardless of naming, so the gap is
// limited to the very first lazy touch of a renamed graft. Documented in
// DESIGN.md.
func (a *AutoMountSource) lazyBuildAncestor(p string) (Source, string, string, bool, error) {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	cur := "/"
	for _, seg := range segments {
		cur = joinPath(cur, seg)
		fi, err := a.inner.Lookup(cur, 0)
		if err == common.ErrNotFound {
			return nil, "", "", false, nil
		}
		if err != nil {
			return nil, "", "", false, err
		}
		if fi.IsDir() || !a.IsArchive(path.Base(cur), fi) {
			continue
		}
		graft := a.graftPathFor(cur)
		a.mu.Lock()
		if a.building[graft] {
			a.mu.Unlock()
			return nil, "", "", false, common.ErrCycle
		}
		a.building[graft] = true
		a.mu.Unlock()

		nested, graft, err := a.buildGraft(cur, fi)
		if err != nil {
			return nil, "", "", false, err
		}
		rest := strings.TrimPrefix(p, graft)
		if rest == "" {
			rest = "/"
		}
		return nested, rest, graft, true, nil
	}
	return nil, "", "", false, nil
}

// resolve maps p onto the nested source owning it, if any, returning the
// path remainder inside that source plus the graft root (the key Open and
// friends later dispatch on).
func (a *AutoMountSource) resolve(p string) (Source, string, string, error) {
	if nested, rest, graft, ok := a.resolveGraft(p); ok {
		return nested, rest, graft, nil
	}
	if a.Lazy {
		if nested, rest, graft, ok, err := a.lazyBuildAncestor(p); err != nil {
			return nil, "", "", err
		} else if ok {
			return nested, rest, graft, nil
		}
	}
	return nil, "", "", nil
}

func (a *AutoMountSource) Lookup(p string, version int) (*common.FileInfo, error) {
	p = cleanPath(p)
	nested, rest, graft, err := a.resolve(p)
	if err != nil {
		return nil, err
	}
	if nested != nil {
		fi, err := nested.Lookup(rest, version)
		if err != nil {
			return nil, err
		}
		fi.Push(automountGraftToken{graft: graft})
		return fi, nil
	}
	return a.inner.Lookup(p, version)
}

func (a *AutoMountSource) Versions(p string) (int, error) {
	p = cleanPath(p)
	nested, rest, _, err := a.resolve(p)
	if err != nil {
		return 0, err
	}
	if nested != nil {
		return nested.Versions(rest)
	}
	return a.inner.Versions(p)
}

func (a *AutoMountSource) List(p string) (map[string]*common.FileInfo, error) {
	p = cleanPath(p)
	nested, rest, graft, err := a.resolve(p)
	if err != nil {
		return nil, err
	}
	if nested != nil {
		children, err := nested.List(rest)
		if err != nil {
			return nil, err
		}
		for _, fi := range children {
			fi.Push(automountGraftToken{graft: graft})
		}
		return children, nil
	}

	children, err := a.inner.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*common.FileInfo, len(children))
	for name, fi := range children {
		if fi.IsDir() || !a.IsArchive(name, fi) {
			out[name] = fi
			continue
		}
		childPath := joinPath(p, name)
		graftFI, err := a.inner.Lookup(childPath, 0)
		if err != nil {
			out[name] = fi
			continue
		}
		if _, _, err := a.buildGraft(childPath, graftFI); err != nil {
			out[name] = fi
			continue
		}
		dirFI := &common.FileInfo{Mode: common.ModeDir | 0o755, Mtime: fi.Mtime}
		dirFI.Push(automountGraftToken{graft: a.graftPathFor(childPath)})
		out[a.graftNameFor(name)] = dirFI
	}
	return out, nil
}

func (a *AutoMountSource) ListMode(p string) (map[string]uint32, error) {
	children, err := a.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(children))
	for name, fi := range children {
		out[name] = fi.Mode
	}
	return out, nil
}

// dispatch resolves which source should serve an operation on fi: if the
// top token is this layer's own graft marker, pop it and use the
// recorded nested source; otherwise fi passed straight through untouched
// and inner handles it (popping whatever token inner itself pushed).
func (a *AutoMountSource) dispatch(fi *common.FileInfo) (Source, error) {
	if tok, ok := fi.Peek().(automountGraftToken); ok {
		fi.Pop()
		a.mu.Lock()
		nested, ok := a.grafted[tok.graft]
		a.mu.Unlock()
		if !ok {
			return nil, common.ErrNotFound
		}
		return nested, nil
	}
	return a.inner, nil
}

func (a *AutoMountSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	src, err := a.dispatch(fi)
	if err != nil {
		return nil, err
	}
	return src.Open(fi, buffering)
}

func (a *AutoMountSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	src, err := a.dispatch(fi)
	if err != nil {
		return nil, err
	}
	return src.Read(fi, size, offset)
}

func (a *AutoMountSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	src, err := a.dispatch(fi)
	if err != nil {
		return nil, err
	}
	return src.ListXattr(fi)
}

func (a *AutoMountSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	src, err := a.dispatch(fi)
	if err != nil {
		return nil, false, err
	}
	return src.GetXattr(fi, key)
}

func (a *AutoMountSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	src, err := a.dispatch(fi)
	if err != nil {
		return "", nil, nil, err
	}
	return src.GetMountSource(fi)
}

func (a *AutoMountSource) StatFS() (StatFS, error) { return a.inner.StatFS() }

func (a *AutoMountSource) IsImmutable() bool { return a.inner.IsImmutable() }

func (a *AutoMountSource) Close() error {
	a.mu.Lock()
	grafted := a.grafted
	a.mu.Unlock()
	var first error
	for _, nested := range grafted {
		if err := nested.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := a.inner.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
