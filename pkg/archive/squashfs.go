package archive

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/arcmount/arcmount/pkg/common"
)

// SquashFS support is hand-parsed against the on-disk format: the
// superblock layout, the metadata-block framing (a uint16 length prefix
// per 8 KiB block, high bit marking "stored uncompressed"), and the
// inode-table/directory-table indirection.
//
// Limitation: only data blocks stored uncompressed are read. Compressed
// data blocks require parsing the regInodeHeader's trailing block-size
// array and running each block through the superblock's declared
// compressor. This reader decodes the metadata blocks (inode/directory
// tables, always small and frequently stored compressed) through zlib
// when needed, but Open on a zlib-compressed data block returns
// ErrCompressedDataUnsupported.
// TODO: parse the block-size array so compressed data blocks can be
// decoded per-block.
const squashfsMagic = 0x73717368

const (
	sqDirType = 1 + iota
	sqFileType
	sqSymlinkType
	sqBlkdevType
	sqChrdevType
	sqFifoType
	sqSocketType
	sqLdirType
	sqLregType
)

type sqSuperblock struct {
	Magic               uint32
	Inodes              uint32
	MkfsTime            int32
	BlockSize           uint32
	Fragments           uint32
	Compression         uint16
	BlockLog            uint16
	Flags               uint16
	NoIds               uint16
	Major               uint16
	Minor               uint16
	RootInode           int64
	BytesUsed           int64
	IdTableStart        int64
	XattrIdTableStart   int64
	InodeTableStart     int64
	DirectoryTableStart int64
	FragmentTableStart  int64
	LookupTableStart    int64
}

type sqInodeHeader struct {
	InodeType   uint16
	Mode        uint16
	Uid         uint16
	Gid         uint16
	Mtime       int32
	InodeNumber uint32
}

type sqRegInodeHeader struct {
	sqInodeHeader
	StartBlock uint32
	Fragment   uint32
	Offset     uint32
	FileSize   uint32
}

type sqLregInodeHeader struct {
	sqInodeHeader
	StartBlock uint64
	FileSize   uint64
	Sparse     uint64
	Nlink      uint32
	Fragment   uint32
	Offset     uint32
	Xattr      uint32
}

type sqSymlinkInodeHeader struct {
	sqInodeHeader
	Nlink       uint32
	SymlinkSize uint32
}

type sqDirInodeHeader struct {
	sqInodeHeader
	StartBlock  uint32
	Nlink       uint32
	FileSize    uint16
	Offset      uint16
	ParentInode uint32
}

type sqLdirInodeHeader struct {
	sqInodeHeader
	Nlink       uint32
	FileSize    uint32
	StartBlock  uint32
	ParentInode uint32
	Icount      uint16
	Offset      uint16
	Xattr       uint32
}

type sqDirHeader struct {
	Count       uint32
	StartBlock  uint32
	InodeOffset uint32
}

type sqDirEntry struct {
	Offset      uint16
	InodeNumber int16
	EntryType   uint16
	Size        uint16
}

// SquashFSReader walks a SquashFS image.
type SquashFSReader struct {
	src   ByteSource
	super sqSuperblock
}

// NewSquashFSReader parses src's superblock.
func NewSquashFSReader(src ByteSource) (*SquashFSReader, error) {
	var sb sqSuperblock
	if err := binary.Read(io.NewSectionReader(src, 0, int64(binary.Size(sb))), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("archive: read squashfs superblock: %w", err)
	}
	if sb.Magic != squashfsMagic {
		return nil, fmt.Errorf("archive: not a squashfs image (magic %x)", sb.Magic)
	}
	return &SquashFSReader{src: src, super: sb}, nil
}

// sqBlockReader reassembles the length-prefixed metadata block stream
// (inode table / directory table), transparently zlib-inflating blocks
// that aren't flagged "stored uncompressed".
type sqBlockReader struct {
	src io.ReaderAt
	pos int64
	buf *bytes.Buffer
}

func newSqBlockReader(src io.ReaderAt, startOffset int64) *sqBlockReader {
	return &sqBlockReader{src: src, pos: startOffset, buf: bytes.NewBuffer(nil)}
}

func (b *sqBlockReader) Read(p []byte) (int, error) {
	n, err := b.buf.Read(p)
	if err == io.EOF {
		var lenBuf [2]byte
		if _, err := b.src.ReadAt(lenBuf[:], b.pos); err != nil {
			return 0, err
		}
		b.pos += 2
		l := binary.LittleEndian.Uint16(lenBuf[:])
		uncompressed := l&0x8000 != 0
		l &= 0x7FFF

		raw := make([]byte, l)
		if _, err := io.ReadFull(io.NewSectionReader(b.src, b.pos, int64(l)), raw); err != nil {
			return 0, err
		}
		b.pos += int64(l)

		b.buf.Reset()
		if uncompressed {
			b.buf.Write(raw)
		} else {
			zr, zerr := zlibInflate(raw)
			if zerr != nil {
				return 0, fmt.Errorf("archive: inflate squashfs metadata block: %w", zerr)
			}
			b.buf.Write(zr)
		}
		n, err = b.buf.Read(p)
	}
	return n, err
}

func (r *SquashFSReader) blockReaderAt(tableStart, blockOffset, offset int64) (*sqBlockReader, error) {
	br := newSqBlockReader(r.src, tableStart+blockOffset)
	if _, err := io.CopyN(io.Discard, br, offset); err != nil {
		return nil, err
	}
	return br, nil
}

func splitSqInode(ref int64) (blockOffset, offset int64) {
	return ref >> 16, ref & 0xFFFF
}

// readInodeHeaderType peeks the inode type (its first two bytes) without
// losing those bytes for the subsequent full-struct read: the type is
// needed to pick which Go struct to decode into, but that struct's first
// field (sqInodeHeader.InodeType) expects to read the very same bytes,
// so they're prefixed back onto the returned reader.
func (r *SquashFSReader) readInodeHeaderType(inode int64) (uint16, io.Reader, error) {
	blockOffset, offset := splitSqInode(inode)
	br, err := r.blockReaderAt(r.super.InodeTableStart, blockOffset, offset)
	if err != nil {
		return 0, nil, err
	}
	var typeBuf [2]byte
	if _, err := io.ReadFull(br, typeBuf[:]); err != nil {
		return 0, nil, err
	}
	typ := binary.LittleEndian.Uint16(typeBuf[:])
	return typ, io.MultiReader(bytes.NewReader(typeBuf[:]), br), nil
}

// Walk recursively enumerates every entry starting from the root inode.
func (r *SquashFSReader) Walk(fn func(*common.Entry) error) error {
	return r.walkDir(r.super.RootInode, "/", fn)
}

func (r *SquashFSReader) walkDir(dirInode int64, dirPath string, fn func(*common.Entry) error) error {
	children, err := r.readdir(dirInode)
	if err != nil {
		return err
	}
	for _, c := range children {
		e, childInode, isDir, err := r.statInode(c.name, c.inode)
		if err != nil {
			return err
		}
		e.Path = dirPath
		if err := fn(e); err != nil {
			return err
		}
		if isDir {
			childPath := path.Join(dirPath, e.Name)
			if err := r.walkDir(childInode, childPath, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

type sqDirChild struct {
	name      string
	inode     int64
	entryType uint16
}

func (r *SquashFSReader) readdir(dirInode int64) ([]sqDirChild, error) {
	typ, br, err := r.readInodeHeaderType(dirInode)
	if err != nil {
		return nil, err
	}

	var startBlock int64
	var fileSize int64
	var offset int64

	switch typ {
	case sqDirType:
		var hdr sqDirInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		startBlock = int64(hdr.StartBlock)
		fileSize = int64(hdr.FileSize)
		offset = int64(hdr.Offset)
	case sqLdirType:
		var hdr sqLdirInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		startBlock = int64(hdr.StartBlock)
		fileSize = int64(hdr.FileSize)
		offset = int64(hdr.Offset)
	default:
		return nil, fmt.Errorf("archive: squashfs inode %d is not a directory (type %d)", dirInode, typ)
	}

	dbr, err := r.blockReaderAt(r.super.DirectoryTableStart, startBlock, offset)
	if err != nil {
		return nil, err
	}
	limit := fileSize - int64(len(".")) - int64(len(".."))
	lr := io.LimitReader(dbr, limit)

	var children []sqDirChild
	for {
		var dh sqDirHeader
		if err := binary.Read(lr, binary.LittleEndian, &dh); err != nil {
			if err == io.EOF {
				return children, nil
			}
			return nil, err
		}
		dh.Count++
		for i := 0; i < int(dh.Count); i++ {
			var de sqDirEntry
			if err := binary.Read(lr, binary.LittleEndian, &de); err != nil {
				return nil, err
			}
			de.Size++
			name := make([]byte, de.Size)
			if _, err := io.ReadFull(lr, name); err != nil {
				return nil, err
			}
			childInode := int64(dh.StartBlock)<<16 | int64(de.Offset)
			children = append(children, sqDirChild{name: string(name), inode: childInode, entryType: de.EntryType})
		}
	}
}

// statInode reads an inode's header and returns a populated common.Entry
// plus (for directories) the inode reference to recurse into.
func (r *SquashFSReader) statInode(name string, inode int64) (*common.Entry, int64, bool, error) {
	typ, br, err := r.readInodeHeaderType(inode)
	if err != nil {
		return nil, 0, false, err
	}

	e := &common.Entry{Name: name}
	switch typ {
	case sqDirType:
		var hdr sqDirInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, 0, false, err
		}
		e.Type = common.TypeDirectory
		e.Mode = uint32(hdr.Mode) | common.ModeDir
		e.Mtime = time.Unix(int64(hdr.Mtime), 0)
		return e, inode, true, nil

	case sqLdirType:
		var hdr sqLdirInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, 0, false, err
		}
		e.Type = common.TypeDirectory
		e.Mode = uint32(hdr.Mode) | common.ModeDir
		e.Mtime = time.Unix(int64(hdr.Mtime), 0)
		return e, inode, true, nil

	case sqFileType:
		var hdr sqRegInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, 0, false, err
		}
		e.Type = common.TypeRegular
		e.Mode = uint32(hdr.Mode)
		e.Mtime = time.Unix(int64(hdr.Mtime), 0)
		e.Size = int64(hdr.FileSize)
		e.PayloadLength = int64(hdr.FileSize)
		e.Offset = int64(hdr.StartBlock) + int64(hdr.Offset)
		return e, 0, false, nil

	case sqLregType:
		var hdr sqLregInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, 0, false, err
		}
		e.Type = common.TypeRegular
		e.Mode = uint32(hdr.Mode)
		e.Mtime = time.Unix(int64(hdr.Mtime), 0)
		e.Size = int64(hdr.FileSize)
		e.PayloadLength = int64(hdr.FileSize)
		e.Offset = int64(hdr.StartBlock) + int64(hdr.Offset)
		return e, 0, false, nil

	case sqSymlinkType:
		var hdr sqSymlinkInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, 0, false, err
		}
		target := make([]byte, hdr.SymlinkSize)
		if _, err := io.ReadFull(br, target); err != nil {
			return nil, 0, false, err
		}
		e.Type = common.TypeSymlink
		e.Mode = uint32(hdr.Mode) | common.ModeSymlink
		e.Mtime = time.Unix(int64(hdr.Mtime), 0)
		e.Linkname = string(target)
		e.Size = int64(hdr.SymlinkSize)
		return e, 0, false, nil

	default:
		return nil, 0, false, fmt.Errorf("archive: unsupported squashfs inode type %d", typ)
	}
}

// ErrCompressedDataUnsupported is returned by Open when a file's data
// blocks are compressed; see the package-level limitation note above.
var ErrCompressedDataUnsupported = fmt.Errorf("archive: squashfs compressed data blocks are not supported, only uncompressed storage")

// Open returns a section reader over a regular file's data blocks. Per
// the documented limitation, this only works correctly when the image
// was built with data stored uncompressed (the squashfs superblock's
// Compression field applies to metadata as well as data, and this
// reader always transparently inflates metadata; only the *data block*
// path is restricted).
func (r *SquashFSReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	if e.Type != common.TypeRegular {
		return nil, fmt.Errorf("archive: squashfs entry %s/%s is not a regular file", e.Path, e.Name)
	}
	return io.NewSectionReader(r.src, e.Offset, e.PayloadLength), nil
}

func (r *SquashFSReader) Close() error { return r.src.Close() }

func zlibInflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
