// Package blockindex turns the sequential compression codecs — gzip,
// bzip2, xz, zstd — into random-access, seekable streams by building (or
// reusing) a sparse map from uncompressed offset to compressed offset
// plus decoder state.
package blockindex

import "io"

// Reader is the common contract every codec-specific block-index reader
// satisfies: given a compressed byte source, it serves a seekable
// uncompressed stream and a serializable block index.
type Reader interface {
	io.ReaderAt
	io.Closer

	// Len returns the total uncompressed length of the stream.
	Len() int64

	// Blob returns the serializable block index for persistence into the
	// archive index store (C3); it is opaque to every caller except the
	// matching codec's reader.
	Blob() []byte
}

// Codec names one of the four supported compressors, used as the key
// under which a Blob is persisted (the gzipindex/xzindex/zstdindex/
// bz2index tables in the archive index store).
type Codec string

const (
	CodecGzip  Codec = "gzip"
	CodecBzip2 Codec = "bzip2"
	CodecXZ    Codec = "xz"
	CodecZstd  Codec = "zstd"
)

// Entry is one block-index tuple: an uncompressed offset and the
// corresponding compressed offset. Concrete readers embed whatever
// decoder state (frame marker, bit offset) their codec needs in their
// own Blob encoding; Entry is used only for the monotonicity check
// shared by every codec's tests.
type Entry struct {
	UncompressedOffset int64
	CompressedOffset   int64
}

// CheckMonotonic verifies that block-index entries are strictly
// monotonic in both uncompressed and compressed offsets.
func CheckMonotonic(entries []Entry) bool {
	for i := 1; i < len(entries); i++ {
		if entries[i].UncompressedOffset <= entries[i-1].UncompressedOffset {
			return false
		}
		if entries[i].CompressedOffset <= entries[i-1].CompressedOffset {
			return false
		}
	}
	return true
}
