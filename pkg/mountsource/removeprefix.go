package mountsource

import (
	"io"
	"strings"

	"github.com/arcmount/arcmount/pkg/common"
)

// RemovePrefixSource exposes inner's tree with a constant leading path
// component hidden. The common case: an archive
// whose every entry lives under one top-level directory
// ("myproject-1.2/...") that callers would rather not have to type; this
// layer's own callers see the prefix-free view, and it reconstructs
// inner's real path by prepending the prefix back on every delegated
// call — the inverse of the subvolumes layer's path-prepending, but for a
// single fixed child instead of a named set of them.
type RemovePrefixSource struct {
	inner  Source
	prefix string // cleaned, e.g. "/myproject-1.2"; "" disables the layer
}

// NewRemovePrefixSource strips prefix (cleaned to an absolute, slash-free
// trailing form) from every path this layer exposes.
func NewRemovePrefixSource(inner Source, prefix string) *RemovePrefixSource {
	prefix = strings.TrimRight(cleanPath(prefix), "/")
	return &RemovePrefixSource{inner: inner, prefix: prefix}
}

// innerPath reconstructs the path as inner knows it.
func (r *RemovePrefixSource) innerPath(p string) string {
	p = cleanPath(p)
	if r.prefix == "" {
		return p
	}
	if p == "/" {
		return r.prefix
	}
	return r.prefix + p
}

func (r *RemovePrefixSource) Lookup(p string, version int) (*common.FileInfo, error) {
	return r.inner.Lookup(r.innerPath(p), version)
}

func (r *RemovePrefixSource) Versions(p string) (int, error) {
	return r.inner.Versions(r.innerPath(p))
}

func (r *RemovePrefixSource) List(p string) (map[string]*common.FileInfo, error) {
	return r.inner.List(r.innerPath(p))
}

func (r *RemovePrefixSource) ListMode(p string) (map[string]uint32, error) {
	return r.inner.ListMode(r.innerPath(p))
}

// Open, Read, and the xattr/mount-source accessors all operate on an
// already-resolved FileInfo, whose token chain was built by inner — this
// layer never needs to touch it, since the path translation happens only
// at Lookup/List/Versions time.
func (r *RemovePrefixSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	return r.inner.Open(fi, buffering)
}

func (r *RemovePrefixSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	return r.inner.Read(fi, size, offset)
}

func (r *RemovePrefixSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	return r.inner.ListXattr(fi)
}

func (r *RemovePrefixSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return r.inner.GetXattr(fi, key)
}

func (r *RemovePrefixSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	return r.inner.GetMountSource(fi)
}

func (r *RemovePrefixSource) StatFS() (StatFS, error) { return r.inner.StatFS() }

func (r *RemovePrefixSource) IsImmutable() bool { return r.inner.IsImmutable() }

func (r *RemovePrefixSource) Close() error { return r.inner.Close() }
