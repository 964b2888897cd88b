package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/arcmount/arcmount/pkg/common"
)

// ZipReader walks a ZIP central directory via stdlib archive/zip, the
// same "reuse the stdlib low-level parser" idiom as TarReader.
type ZipReader struct {
	src ByteSource
	zr  *zip.Reader

	// byKey maps an index row back to the zip.File it was built from,
	// since archive/zip's own per-file decompressor has to be recreated
	// on every Open (zip.File.Open is single-use). Populated at
	// construction, not during Walk — a reused index skips Walk entirely
	// but still Opens entries. Keyed by (path, name, offset) so
	// duplicate member names (multiple versions) stay distinct.
	byKey map[string]*zip.File
}

func entryKey(path, name string, offset int64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", path, name, offset)
}

// NewZipReader opens src as a ZIP central directory.
func NewZipReader(src ByteSource) (*ZipReader, error) {
	zr, err := zip.NewReader(src, src.Len())
	if err != nil {
		return nil, fmt.Errorf("archive: open zip: %w", err)
	}
	z := &ZipReader{src: src, zr: zr, byKey: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		dir, name := splitPath(f.Name)
		z.byKey[entryKey(dir, name, zipDataOffset(f))] = f
	}
	return z, nil
}

// zipDataOffset is the entry's payload position in the archive, the
// stable per-version tie-breaker the index schema keys rows by.
func zipDataOffset(f *zip.File) int64 {
	off, err := f.DataOffset()
	if err != nil {
		return 0
	}
	return off
}

func (z *ZipReader) Walk(fn func(*common.Entry) error) error {
	for _, f := range z.zr.File {
		e := zipFileToEntry(f)
		if e.Type == common.TypeSymlink {
			if target, err := readZipSymlinkTarget(f); err == nil {
				e.Linkname = target
			}
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func readZipSymlinkTarget(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func zipFileToEntry(f *zip.File) *common.Entry {
	dir, name := splitPath(f.Name)
	typ := common.TypeRegular
	mode := f.Mode()
	entryMode := uint32(mode.Perm())
	switch {
	case mode.IsDir():
		typ = common.TypeDirectory
		entryMode |= common.ModeDir
	case mode&os.ModeSymlink != 0:
		typ = common.TypeSymlink
		entryMode |= common.ModeSymlink
	}
	return &common.Entry{
		Path:          dir,
		Name:          name,
		Type:          typ,
		Size:          int64(f.UncompressedSize64),
		Mtime:         f.Modified,
		Mode:          entryMode,
		Offset:        zipDataOffset(f),
		PayloadLength: int64(f.CompressedSize64),
	}
}

// Open implements Reader.Open. ZIP entries are independently
// decompressed streams (DEFLATE per-entry, no cross-entry dictionary),
// so unlike TAR there is no raw byte range to hand back directly for a
// compressed entry; archive/zip's own reader is reused to decompress it,
// and the result is buffered into a seekable stream since go-fuse reads
// expect random access within a file handle.
func (z *ZipReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	f, ok := z.byKey[entryKey(e.Path, e.Name, e.Offset)]
	if !ok {
		return nil, fmt.Errorf("archive: zip entry %s/%s not present in archive", e.Path, e.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("archive: open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress zip entry %s: %w", f.Name, err)
	}
	return &memReadSeeker{data: data}, nil
}

func (z *ZipReader) Close() error { return z.src.Close() }
