package archive

import (
	"io"
	"path"
	"time"

	"github.com/arcmount/arcmount/pkg/common"
)

// RawReader wraps a single decompressed byte stream as a one-entry
// archive: a lone foo.txt.gz/.bz2/.xz/.zst with no container format at
// all, the same way `zcat`/`xzcat` treat a compressed file as just that
// file's content. The archive index ends up with exactly one row.
type RawReader struct {
	src   ByteSource
	name  string
	mode  uint32
	mtime time.Time
}

// NewRawReader builds a RawReader presenting src (already decompressed
// by pkg/blockindex, if it was compressed) as a single file named name,
// stamped with the original compressed file's own mtime so the index's
// fingerprint and the mounted file's stat info agree.
func NewRawReader(src ByteSource, name string, mtime time.Time) *RawReader {
	return &RawReader{src: src, name: name, mode: 0o644, mtime: mtime}
}

func (r *RawReader) Walk(fn func(*common.Entry) error) error {
	dir, base := splitPath(path.Clean("/" + r.name))
	e := &common.Entry{
		Path:          dir,
		Name:          base,
		Type:          common.TypeRegular,
		Size:          r.src.Len(),
		Mtime:         r.mtime,
		Mode:          r.mode,
		Offset:        0,
		PayloadLength: r.src.Len(),
	}
	return fn(e)
}

func (r *RawReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	return io.NewSectionReader(r.src, 0, r.src.Len()), nil
}

func (r *RawReader) Close() error { return r.src.Close() }
