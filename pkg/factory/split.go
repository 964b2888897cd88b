package factory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/stencil"
)

// splitPartRegex matches the conventional numbered-extension
// split-archive naming scheme (foo.tar.001, foo.tar.002, ...). A
// 7z/rar-native multi-volume scheme (.7z.001, .part1.rar) happens to
// share the same digit-suffix shape and is picked up by the same
// pattern.
var splitPartRegex = regexp.MustCompile(`^(.*)\.(\d{1,4})$`)

// joinedByteSource owns the opened parts of a split archive and presents
// them as one seekable stream via pkg/stencil, closing every part
// together since stencil.Stencil itself never owns its sources' lifetime.
type joinedByteSource struct {
	*stencil.Stencil
	parts []*archive.LocalByteSource
}

func (j *joinedByteSource) Close() error {
	var first error
	for _, p := range j.parts {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// splitSiblings reports the other numbered parts of path's split-archive
// set, in order, given path is itself the first part's name (".001" or
// ".1"). Returns nil if path does not look like a split-archive part or
// has no siblings on disk.
func splitSiblings(path string) ([]string, error) {
	m := splitPartRegex.FindStringSubmatch(path)
	if m == nil {
		return nil, nil
	}
	base, firstNum := m[1], m[2]
	if n, err := strconv.Atoi(firstNum); err != nil || n > 1 {
		// Only recognize a join starting from part 1; a bare basename
		// passed in for part 2 onward is handled once, from the start.
		return nil, nil
	}
	width := len(firstNum)

	dir := filepath.Dir(base)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("factory: list %s for split parts: %w", dir, err)
	}
	prefix := filepath.Base(base) + "."
	type part struct {
		path string
		n    int
	}
	var parts []part
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		suffix := name[len(prefix):]
		n, err := strconv.Atoi(suffix)
		if err != nil || len(suffix) != width {
			continue
		}
		parts = append(parts, part{path: filepath.Join(dir, name), n: n})
	}
	if len(parts) < 2 {
		return nil, nil
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.path
	}
	return out, nil
}

// openJoinedLocal opens every part in paths and presents them
// concatenated as a single ByteSource.
func openJoinedLocal(paths []string) (archive.ByteSource, error) {
	parts := make([]*archive.LocalByteSource, 0, len(paths))
	slices := make([]stencil.Slice, 0, len(paths))
	for _, p := range paths {
		src, err := archive.OpenLocal(p)
		if err != nil {
			for _, opened := range parts {
				opened.Close()
			}
			return nil, err
		}
		parts = append(parts, src)
		slices = append(slices, stencil.Slice{Source: src, Offset: 0, Length: src.Len()})
	}
	return &joinedByteSource{Stencil: stencil.New(slices), parts: parts}, nil
}
