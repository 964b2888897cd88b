// Package stencil presents a synthetic byte stream assembled from an
// ordered list of (source, offset, length) slices over underlying
// seekable sources. io.SectionReader is the closest standard-library
// precedent for a single slice; Stencil generalizes it to many ordered
// slices over possibly different sources. Used for joining split archive
// parts into one stream.
package stencil

import (
	"fmt"
	"io"
	"sort"
)

// Slice is one (source, offset, length) triple.
type Slice struct {
	Source io.ReaderAt
	Offset int64
	Length int64
}

// Stencil concatenates an ordered list of slices into one virtual,
// seekable byte stream. It never mutates the underlying sources.
type Stencil struct {
	slices []Slice
	starts []int64 // cumulative start offset of each slice in the virtual stream
	size   int64
	cursor int64
}

// New builds a Stencil from the given slices, in order. Zero-length slices
// are kept (they contribute no bytes but preserve source bookkeeping for
// callers that want to inspect the slice list later).
func New(slices []Slice) *Stencil {
	s := &Stencil{slices: slices, starts: make([]int64, len(slices))}
	var cum int64
	for i, sl := range slices {
		s.starts[i] = cum
		cum += sl.Length
	}
	s.size = cum
	return s
}

// Len returns the total length of the virtual stream.
func (s *Stencil) Len() int64 { return s.size }

// sliceFor returns the index of the slice containing virtual offset off,
// via binary search over cumulative starts.
func (s *Stencil) sliceFor(off int64) int {
	return sort.Search(len(s.starts), func(i int) bool {
		var next int64
		if i+1 < len(s.starts) {
			next = s.starts[i+1]
		} else {
			next = s.size
		}
		return off < next
	})
}

// ReadAt implements io.ReaderAt, crossing slice boundaries by repeating
// the lookup-and-read step. Reading past the end returns fewer bytes
// (possibly zero) and io.EOF, matching io.ReaderAt's contract.
func (s *Stencil) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("stencil: negative offset %d", off)
	}
	if off >= s.size || len(p) == 0 {
		if off >= s.size {
			return 0, io.EOF
		}
		return 0, nil
	}

	total := 0
	for total < len(p) && off < s.size {
		idx := s.sliceFor(off)
		sl := s.slices[idx]
		withinSlice := off - s.starts[idx]
		remainInSlice := sl.Length - withinSlice
		if remainInSlice <= 0 {
			// Empty slice; advance past it.
			off = s.starts[idx] + sl.Length
			continue
		}

		want := int64(len(p) - total)
		if want > remainInSlice {
			want = remainInSlice
		}

		n, err := sl.Source.ReadAt(p[total:int64(total)+want], sl.Offset+withinSlice)
		total += n
		off += int64(n)
		if err != nil && err != io.EOF {
			return total, fmt.Errorf("stencil: read from underlying source: %w", err)
		}
		if n == 0 && err == io.EOF {
			// Underlying source is shorter than declared; stop here
			// rather than spinning.
			break
		}
	}

	var err error
	if total < len(p) && off >= s.size {
		err = io.EOF
	}
	return total, err
}

// Seek implements io.Seeker arithmetically over the virtual length; no
// underlying source is touched.
func (s *Stencil) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.cursor + offset
	case io.SeekEnd:
		newPos = s.size + offset
	default:
		return 0, fmt.Errorf("stencil: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("stencil: negative seek result %d", newPos)
	}
	s.cursor = newPos
	return newPos, nil
}

// Read implements io.Reader using the cursor maintained by Seek.
func (s *Stencil) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.cursor)
	s.cursor += int64(n)
	return n, err
}

// Close is a no-op: Stencil does not own its underlying sources' lifetime.
func (s *Stencil) Close() error { return nil }
