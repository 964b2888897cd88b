package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/arcmount/arcmount/pkg/common"
)

// FatReader walks a FAT12/16/32 filesystem image, hand-written directly
// against the Microsoft FAT on-disk layout with the same
// encoding/binary-over-fixed-struct idiom squashfs.go uses for its own
// hand-parsed format.
type FatReader struct {
	src ByteSource

	bytesPerSector uint16
	sectorsPerClus uint8
	reservedSecs   uint16
	numFATs        uint8
	rootEntries    uint16
	totalSectors   uint32
	fatSize        uint32 // sectors per FAT
	rootCluster    uint32 // FAT32 only
	variant        fatVariant

	fatStartByte  int64
	dataStartByte int64 // byte offset of cluster #2
	rootDirStart  int64 // FAT12/16 fixed root directory region
	rootDirBytes  int64
}

type fatVariant int

const (
	fat12 fatVariant = iota
	fat16
	fat32
)

// fatBPB mirrors the common BIOS Parameter Block fields shared by
// FAT12/16/32 (offsets 11..36 of the boot sector).
type fatBPB struct {
	BytesPerSector   uint16
	SectorsPerClus   uint8
	ReservedSecs     uint16
	NumFATs          uint8
	RootEntries      uint16
	TotalSectors16   uint16
	MediaDescriptor  uint8
	FATSize16        uint16
	SectorsPerTrack  uint16
	NumHeads         uint16
	HiddenSectors    uint32
	TotalSectors32   uint32
}

// fatBPB32 extends fatBPB with the FAT32-only fields that follow it.
type fatBPB32 struct {
	FATSize32       uint32
	ExtFlags        uint16
	FSVersion       uint16
	RootCluster     uint32
	FSInfoSector    uint16
	BackupBootSec   uint16
	Reserved        [12]byte
	DriveNumber     uint8
	Reserved1       uint8
	BootSig         uint8
	VolumeID        uint32
	VolumeLabel     [11]byte
	FileSystemType  [8]byte
}

type fatDirEntry struct {
	Name          [11]byte
	Attr          uint8
	NTReserved    uint8
	CreateTimeTen uint8
	CreateTime    uint16
	CreateDate    uint16
	AccessDate    uint16
	FirstClusHI   uint16
	WriteTime     uint16
	WriteDate     uint16
	FirstClusLO   uint16
	FileSize      uint32
}

const (
	fatAttrReadOnly = 0x01
	fatAttrHidden   = 0x02
	fatAttrSystem   = 0x04
	fatAttrVolumeID = 0x08
	fatAttrDir      = 0x10
	fatAttrArchive  = 0x20
	fatAttrLongName = fatAttrReadOnly | fatAttrHidden | fatAttrSystem | fatAttrVolumeID
)

// NewFatReader parses the boot sector and BPB. A zero 16-bit FAT size
// marks FAT32; otherwise FAT12 and FAT16 are told apart by cluster count,
// the standard Microsoft-documented heuristic (there is no reliable magic
// byte; this is what mtools/dosfstools use too).
func NewFatReader(src ByteSource) (*FatReader, error) {
	boot := make([]byte, 512)
	if _, err := src.ReadAt(boot, 0); err != nil {
		return nil, fmt.Errorf("archive: read fat boot sector: %w", err)
	}
	var bpb fatBPB
	if err := binary.Read(byteReader(boot[11:36]), binary.LittleEndian, &bpb); err != nil {
		return nil, fmt.Errorf("archive: parse fat BPB: %w", err)
	}

	fr := &FatReader{
		src:            src,
		bytesPerSector: bpb.BytesPerSector,
		sectorsPerClus: bpb.SectorsPerClus,
		reservedSecs:   bpb.ReservedSecs,
		numFATs:        bpb.NumFATs,
		rootEntries:    bpb.RootEntries,
	}
	if bpb.TotalSectors16 != 0 {
		fr.totalSectors = uint32(bpb.TotalSectors16)
	} else {
		fr.totalSectors = bpb.TotalSectors32
	}
	fr.fatSize = uint32(bpb.FATSize16)

	if bpb.FATSize16 == 0 {
		var bpb32 fatBPB32
		if err := binary.Read(byteReader(boot[36:90]), binary.LittleEndian, &bpb32); err != nil {
			return nil, fmt.Errorf("archive: parse fat32 extension: %w", err)
		}
		fr.fatSize = bpb32.FATSize32
		fr.rootCluster = bpb32.RootCluster
		fr.variant = fat32
	} else {
		rootDirSectors := (uint32(fr.rootEntries)*32 + uint32(fr.bytesPerSector) - 1) / uint32(fr.bytesPerSector)
		dataSectors := fr.totalSectors - (uint32(fr.reservedSecs) + uint32(fr.numFATs)*fr.fatSize + rootDirSectors)
		clusterCount := dataSectors / uint32(fr.sectorsPerClus)
		if clusterCount < 4085 {
			fr.variant = fat12
		} else {
			fr.variant = fat16
		}
	}

	fr.fatStartByte = int64(fr.reservedSecs) * int64(fr.bytesPerSector)
	fatRegionBytes := int64(fr.numFATs) * int64(fr.fatSize) * int64(fr.bytesPerSector)
	if fr.variant == fat32 {
		fr.dataStartByte = fr.fatStartByte + fatRegionBytes
	} else {
		fr.rootDirStart = fr.fatStartByte + fatRegionBytes
		fr.rootDirBytes = int64(fr.rootEntries) * 32
		fr.dataStartByte = fr.rootDirStart + fr.rootDirBytes
	}
	return fr, nil
}

func byteReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b   []byte
	pos int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (r *FatReader) clusterByteOffset(cluster uint32) int64 {
	return r.dataStartByte + int64(cluster-2)*int64(r.sectorsPerClus)*int64(r.bytesPerSector)
}

// nextCluster follows one step of the FAT chain for cluster c.
func (r *FatReader) nextCluster(c uint32) (uint32, error) {
	switch r.variant {
	case fat12:
		fatByteOff := r.fatStartByte + int64(c)*3/2
		buf := make([]byte, 2)
		if _, err := r.src.ReadAt(buf, fatByteOff); err != nil {
			return 0, err
		}
		v := uint16(buf[0]) | uint16(buf[1])<<8
		if c%2 == 0 {
			v &= 0x0FFF
		} else {
			v >>= 4
		}
		if v >= 0x0FF8 {
			return 0, io.EOF
		}
		return uint32(v), nil
	case fat16:
		buf := make([]byte, 2)
		if _, err := r.src.ReadAt(buf, r.fatStartByte+int64(c)*2); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(buf)
		if v >= 0xFFF8 {
			return 0, io.EOF
		}
		return uint32(v), nil
	default: // fat32
		buf := make([]byte, 4)
		if _, err := r.src.ReadAt(buf, r.fatStartByte+int64(c)*4); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF
		if v >= 0x0FFFFFF8 {
			return 0, io.EOF
		}
		return v, nil
	}
}

// clusterChain returns every cluster number belonging to a file/dir
// starting at firstCluster, in order.
func (r *FatReader) clusterChain(firstCluster uint32) ([]uint32, error) {
	if firstCluster == 0 {
		return nil, nil
	}
	var chain []uint32
	c := firstCluster
	for {
		chain = append(chain, c)
		next, err := r.nextCluster(c)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		c = next
	}
	return chain, nil
}

func (r *FatReader) Walk(fn func(*common.Entry) error) error {
	if r.variant == fat32 {
		return r.walkClusterDir(r.rootCluster, "/", fn)
	}
	return r.walkFixedRoot("/", fn)
}

func (r *FatReader) walkFixedRoot(dirPath string, fn func(*common.Entry) error) error {
	buf := make([]byte, r.rootDirBytes)
	if _, err := r.src.ReadAt(buf, r.rootDirStart); err != nil {
		return fmt.Errorf("archive: read fat root directory: %w", err)
	}
	return r.walkDirBytes(buf, dirPath, fn)
}

func (r *FatReader) walkClusterDir(firstCluster uint32, dirPath string, fn func(*common.Entry) error) error {
	chain, err := r.clusterChain(firstCluster)
	if err != nil {
		return err
	}
	clusterBytes := int64(r.sectorsPerClus) * int64(r.bytesPerSector)
	buf := make([]byte, 0, int64(len(chain))*clusterBytes)
	tmp := make([]byte, clusterBytes)
	for _, c := range chain {
		if _, err := r.src.ReadAt(tmp, r.clusterByteOffset(c)); err != nil {
			return err
		}
		buf = append(buf, tmp...)
	}
	return r.walkDirBytes(buf, dirPath, fn)
}

func (r *FatReader) walkDirBytes(buf []byte, dirPath string, fn func(*common.Entry) error) error {
	var longNameParts []string
	for off := 0; off+32 <= len(buf); off += 32 {
		raw := buf[off : off+32]
		if raw[0] == 0x00 {
			break // no more entries
		}
		if raw[0] == 0xE5 {
			longNameParts = nil
			continue // deleted entry
		}
		attr := raw[11]
		if attr == fatAttrLongName {
			longNameParts = append([]string{fatLongNameFragment(raw)}, longNameParts...)
			continue
		}

		var de fatDirEntry
		if err := binary.Read(byteReader(raw), binary.LittleEndian, &de); err != nil {
			return err
		}
		if attr&fatAttrVolumeID != 0 {
			longNameParts = nil
			continue
		}
		name := strings.Join(longNameParts, "")
		longNameParts = nil
		if name == "" {
			name = fatShortName(de.Name)
		}
		if name == "." || name == ".." {
			continue
		}

		isDir := attr&fatAttrDir != 0
		firstCluster := uint32(de.FirstClusHI)<<16 | uint32(de.FirstClusLO)
		// Offset carries the first cluster number, which survives in
		// the index and lets a reused index Open entries without a
		// prior Walk.
		e := &common.Entry{
			Path:          dirPath,
			Name:          name,
			Type:          common.TypeRegular,
			Size:          int64(de.FileSize),
			Mtime:         fatDateTime(de.WriteDate, de.WriteTime),
			Mode:          0o644,
			Offset:        int64(firstCluster),
			PayloadLength: int64(de.FileSize),
		}
		if isDir {
			e.Type = common.TypeDirectory
			e.Mode = 0o755 | common.ModeDir
		}
		if err := fn(e); err != nil {
			return err
		}
		if isDir {
			childPath := path.Join(dirPath, name)
			if err := r.walkClusterDir(firstCluster, childPath, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func fatShortName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// fatLongNameFragment extracts the UCS-2 name characters from one VFAT
// long-name directory entry (13 chars per entry, across three offsets).
func fatLongNameFragment(raw []byte) string {
	var chars []uint16
	collect := func(start, end int) {
		for i := start; i+1 < end; i += 2 {
			c := binary.LittleEndian.Uint16(raw[i : i+2])
			if c == 0x0000 || c == 0xFFFF {
				return
			}
			chars = append(chars, c)
		}
	}
	collect(1, 11)
	collect(14, 26)
	collect(28, 32)
	b := make([]rune, len(chars))
	for i, c := range chars {
		b[i] = rune(c)
	}
	return string(b)
}

func fatDateTime(date, t uint16) time.Time {
	year := int(date>>9) + 1980
	month := int(date>>5) & 0xF
	day := int(date) & 0x1F
	hour := int(t>>11) & 0x1F
	min := int(t>>5) & 0x3F
	sec := (int(t) & 0x1F) * 2
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

// Open returns a reader over a file's cluster chain. FAT clusters for a
// single file are not necessarily contiguous, so (unlike tar.go) this
// always buffers into memory rather than handing back a raw byte range.
func (r *FatReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	chain, err := r.clusterChain(uint32(e.Offset))
	if err != nil {
		return nil, err
	}
	clusterBytes := int64(r.sectorsPerClus) * int64(r.bytesPerSector)
	data := make([]byte, 0, int64(len(chain))*clusterBytes)
	tmp := make([]byte, clusterBytes)
	for _, c := range chain {
		if _, err := r.src.ReadAt(tmp, r.clusterByteOffset(c)); err != nil {
			return nil, err
		}
		data = append(data, tmp...)
	}
	if e.Type != common.TypeDirectory && int64(len(data)) > e.Size {
		data = data[:e.Size]
	}
	return &memReadSeeker{data: data}, nil
}

func (r *FatReader) Close() error { return r.src.Close() }
