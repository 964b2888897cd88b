package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

// buildMinimalSquashfs hand-assembles a one-file SquashFS image (root
// directory + a single regular file, both metadata blocks stored
// uncompressed) to exercise the metadata-block framing and inode/dir
// table indirection without needing an external mksquashfs binary.
func buildMinimalSquashfs(t *testing.T, content string) []byte {
	t.Helper()
	name := "hello.txt"

	const superblockSize = 96
	dataOffset := int64(superblockSize)

	var inodeRaw bytes.Buffer
	dirInode := sqDirInodeHeader{
		sqInodeHeader: sqInodeHeader{InodeType: sqDirType, Mode: 0o755, InodeNumber: 1},
		StartBlock:    0,
		Nlink:         2,
		FileSize:      uint16(12 + 8 + len(name) + 3),
		Offset:        0,
		ParentInode:   0,
	}
	require.NoError(t, binary.Write(&inodeRaw, binary.LittleEndian, dirInode))
	fileInodeOffset := inodeRaw.Len()

	regInode := sqRegInodeHeader{
		sqInodeHeader: sqInodeHeader{InodeType: sqFileType, Mode: 0o644, InodeNumber: 2},
		StartBlock:    uint32(dataOffset),
		Fragment:      0xFFFFFFFF,
		Offset:        0,
		FileSize:      uint32(len(content)),
	}
	require.NoError(t, binary.Write(&inodeRaw, binary.LittleEndian, regInode))

	inodeTableStart := dataOffset + int64(len(content))
	var inodeTable bytes.Buffer
	require.NoError(t, binary.Write(&inodeTable, binary.LittleEndian, uint16(inodeRaw.Len())|0x8000))
	inodeTable.Write(inodeRaw.Bytes())

	var dirRaw bytes.Buffer
	dh := sqDirHeader{Count: 0, StartBlock: 0, InodeOffset: 0}
	require.NoError(t, binary.Write(&dirRaw, binary.LittleEndian, dh))
	de := sqDirEntry{Offset: uint16(fileInodeOffset), InodeNumber: 1, EntryType: sqFileType, Size: uint16(len(name) - 1)}
	require.NoError(t, binary.Write(&dirRaw, binary.LittleEndian, de))
	dirRaw.WriteString(name)

	dirTableStart := inodeTableStart + int64(inodeTable.Len())
	var dirTable bytes.Buffer
	require.NoError(t, binary.Write(&dirTable, binary.LittleEndian, uint16(dirRaw.Len())|0x8000))
	dirTable.Write(dirRaw.Bytes())

	sb := sqSuperblock{
		Magic:               squashfsMagic,
		Inodes:              2,
		BlockSize:           131072,
		Compression:         1,
		RootInode:           0,
		InodeTableStart:     inodeTableStart,
		DirectoryTableStart: dirTableStart,
		XattrIdTableStart:   -1,
		FragmentTableStart:  -1,
		LookupTableStart:    -1,
		IdTableStart:        -1,
	}

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, sb))
	require.Equal(t, superblockSize, out.Len())
	out.WriteString(content)
	out.Write(inodeTable.Bytes())
	out.Write(dirTable.Bytes())
	return out.Bytes()
}

func TestSquashFSReaderWalkAndOpen(t *testing.T) {
	content := "squashfs test data"
	data := buildMinimalSquashfs(t, content)
	src := &memByteSource{data: data}

	r, err := NewSquashFSReader(src)
	require.NoError(t, err)

	var entries []*common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	require.Equal(t, "hello.txt", entries[0].Name)
	require.Equal(t, common.TypeRegular, entries[0].Type)
	require.EqualValues(t, len(content), entries[0].Size)

	rs, err := r.Open(entries[0])
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
}
