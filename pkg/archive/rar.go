package archive

import (
	"fmt"
	"io"

	rardecode "github.com/nwaples/rardecode/v2"

	"github.com/arcmount/arcmount/pkg/common"
)

// RarReader walks a RAR archive via nwaples/rardecode/v2.
// Unlike TAR/ZIP, RAR's decoder is inherently sequential — a
// solid archive's later entries depend on the decompressor state built
// up by earlier ones — so there is no byte range to hand back for
// Open; every open re-walks the archive from the start up to the
// requested entry and buffers its content. Each entry's Offset is its
// position in that walk order, which survives in the index and lets a
// reused index Open entries without a prior Walk.
type RarReader struct {
	src      ByteSource
	password string
}

// NewRarReader builds a RarReader over src. password may be empty for
// unencrypted archives.
func NewRarReader(src ByteSource, password string) (*RarReader, error) {
	return &RarReader{src: src, password: password}, nil
}

func (r *RarReader) newVolumeReader() (*rardecode.Reader, error) {
	sr := io.NewSectionReader(r.src, 0, r.src.Len())
	var opts []rardecode.Option
	if r.password != "" {
		opts = append(opts, rardecode.Password(r.password))
	}
	return rardecode.NewReader(sr, opts...)
}

func (r *RarReader) Walk(fn func(*common.Entry) error) error {
	rr, err := r.newVolumeReader()
	if err != nil {
		return fmt.Errorf("archive: open rar: %w", err)
	}
	idx := int64(0)
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: rar header at entry %d: %w", idx, err)
		}
		e := rarHeaderToEntry(hdr)
		e.Offset = idx
		idx++
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func rarHeaderToEntry(hdr *rardecode.FileHeader) *common.Entry {
	dir, name := splitPath(hdr.Name)
	typ := common.TypeRegular
	mode := uint32(0o644)
	if hdr.IsDir {
		typ = common.TypeDirectory
		mode = 0o755 | common.ModeDir
	}
	return &common.Entry{
		Path:          dir,
		Name:          name,
		Type:          typ,
		Size:          hdr.UnPackedSize,
		Mtime:         hdr.ModificationTime,
		Mode:          mode,
		PayloadLength: hdr.UnPackedSize,
	}
}

// Open re-decodes the archive sequentially from its start up to the
// requested entry, per the type doc above.
func (r *RarReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	rr, err := r.newVolumeReader()
	if err != nil {
		return nil, err
	}
	for i := int64(0); i <= e.Offset; i++ {
		if _, err := rr.Next(); err != nil {
			return nil, fmt.Errorf("archive: reopen rar entry %s/%s: %w", e.Path, e.Name, err)
		}
	}
	data, err := io.ReadAll(rr)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress rar entry %s/%s: %w", e.Path, e.Name, err)
	}
	return &memReadSeeker{data: data}, nil
}

func (r *RarReader) Close() error { return r.src.Close() }
