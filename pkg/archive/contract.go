// Package archive implements the per-format archive readers: TAR (the
// central case), ZIP, RAR, 7z, SquashFS, SQLAR, EXT4, FAT, MIME
// messages, and raw single-stream passthrough. Each reader walks its
// container once, emitting common.Entry rows for the archive index store
// (pkg/index), and opens a seekable byte stream for any entry's payload
// on demand.
package archive

import (
	"io"

	"github.com/arcmount/arcmount/pkg/common"
)

// ByteSource is an addressable, seekable, length-known stream of bytes,
// immutable for the mount's lifetime.
type ByteSource interface {
	io.ReaderAt
	io.Closer
	Len() int64
}

// Reader is the contract every format-specific archive reader satisfies:
// enumerate entries once, and open any entry's payload later.
type Reader interface {
	// Walk visits every archive entry once, in container order. Walking
	// stops and returns the first non-nil error from fn.
	Walk(fn func(*common.Entry) error) error

	// Open returns a seekable stream over e's payload. e may come from
	// this reader's own Walk or from a persisted index row; either way
	// its Offset locates the payload.
	Open(e *common.Entry) (io.ReadSeeker, error)

	// Close releases the reader's resources. Most readers also close
	// their ByteSource; TarReader.Close closes nothing.
	Close() error
}

// TarOptions configures the TAR reader.
type TarOptions struct {
	IgnoreZeros bool // --ignore-zeros

	// GNUIncremental forces GNU-incremental name-prefix stripping on
	// (true), off (false), or leaves it to DetectGNUIncremental (nil).
	GNUIncremental *bool

	// GNUIncrementalScanEntries bounds the heuristic scan window for
	// auto-detection. Default 1000.
	GNUIncrementalScanEntries int

	RecursionDepth int // annotated onto entries for the auto-mount layer

	// Encoding is --encoding: an IANA charset name (e.g. "shift_jis",
	// "iso-8859-1") that entry names and link targets are decoded from
	// before being treated as the UTF-8 POSIX paths the rest of the
	// system assumes. Empty or "utf-8" leaves names untouched.
	Encoding string
}
