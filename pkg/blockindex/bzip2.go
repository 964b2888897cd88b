package blockindex

import (
	"bytes"
	"compress/bzip2"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
)

// bzip2 block/end magic numbers, 48 bits each.
const (
	bzBlockMagic uint64 = 0x314159265359
	bzEndMagic   uint64 = 0x177245385090
)

// Bzip2Checkpoint is one (compressed-bit-offset, uncompressed-byte-offset)
// pair, one per independently decodable bzip2 block. Reads restore no
// decoder state; they start a fresh block decoder at the bit offset.
type Bzip2Checkpoint struct {
	BitOffset          int64
	UncompressedOffset int64
}

// Bzip2Index is the persisted block index for one bzip2 stream.
type Bzip2Index struct {
	Header      [4]byte // "BZh" + level digit
	Checkpoints []Bzip2Checkpoint
	TotalSize   int64
}

// BuildBzip2Index scans the stream for block boundaries at the bit level,
// then decodes each block once (in isolation, via a synthetic single-block
// stream) to learn its decompressed length. Stdlib compress/bzip2 exposes
// no block-boundary API, hence the bit-level scan.
func BuildBzip2Index(src io.ReaderAt, size int64) (*Bzip2Index, error) {
	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("blockindex: read bzip2 stream: %w", err)
	}
	if len(buf) < 4 || buf[0] != 'B' || buf[1] != 'Z' || buf[2] != 'h' {
		return nil, fmt.Errorf("blockindex: not a bzip2 stream")
	}
	var header [4]byte
	copy(header[:], buf[:4])

	br := newBitReader(buf)
	var magics []int64
	for pos := int64(32); pos+48 <= br.totalBits(); pos++ {
		v, _ := br.peekBitsAt(pos, 48)
		if v == bzBlockMagic || v == bzEndMagic {
			magics = append(magics, pos)
			if v == bzEndMagic {
				break
			}
		}
	}

	idx := &Bzip2Index{Header: header}
	var uOff int64
	for i, m := range magics {
		v, _ := br.peekBitsAt(m, 48)
		if v == bzEndMagic {
			break
		}
		next := br.totalBits()
		if i+1 < len(magics) {
			next = magics[i+1]
		}
		block, err := decodeSingleBzip2Block(header, br, m, next)
		if err != nil {
			return nil, fmt.Errorf("blockindex: decode bzip2 block at bit %d: %w", m, err)
		}
		idx.Checkpoints = append(idx.Checkpoints, Bzip2Checkpoint{
			BitOffset:          m,
			UncompressedOffset: uOff,
		})
		uOff += int64(len(block))
	}
	idx.TotalSize = uOff
	return idx, nil
}

// decodeSingleBzip2Block repacks the bits of one block, plus the standard
// header/magic/CRC framing, into a byte-aligned synthetic bzip2 stream
// containing exactly that block, then decodes it with stdlib compress/bzip2.
// Bzip2 blocks are independently decodable, so this is exact, not an
// approximation.
func decodeSingleBzip2Block(header [4]byte, br *bitReader, blockStart, blockEnd int64) ([]byte, error) {
	blockCRC, ok := br.peekBitsAt(blockStart+48, 32)
	if !ok {
		return nil, fmt.Errorf("truncated block header")
	}

	w := &bitWriter{}
	w.writeBits(uint64(header[0]), 8)
	w.writeBits(uint64(header[1]), 8)
	w.writeBits(uint64(header[2]), 8)
	w.writeBits(uint64(header[3]), 8)
	w.writeBits(bzBlockMagic, 48)
	w.writeBitsFrom(br, blockStart+48, blockEnd-(blockStart+48))
	w.writeBits(bzEndMagic, 48)
	w.writeBits(blockCRC, 32) // combined CRC of a single block equals its own CRC

	zr := bzip2.NewReader(bytes.NewReader(w.bytes()))
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

// bzip2Reader implements Reader by reconstructing and decoding one block
// at a time.
type bzip2Reader struct {
	buf []byte
	idx *Bzip2Index
}

// NewBzip2Reader wraps src (the whole compressed stream, length size) with
// a previously built or loaded Bzip2Index.
func NewBzip2Reader(src io.ReaderAt, size int64, idx *Bzip2Index) (Reader, error) {
	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("blockindex: read bzip2 stream: %w", err)
	}
	return &bzip2Reader{buf: buf, idx: idx}, nil
}

func (r *bzip2Reader) Len() int64  { return r.idx.TotalSize }
func (r *bzip2Reader) Close() error { return nil }

func (r *bzip2Reader) Blob() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r.idx); err != nil {
		panic(fmt.Sprintf("blockindex: bzip2 index encode: %v", err))
	}
	return buf.Bytes()
}

// LoadBzip2Index deserializes a Blob produced by (*bzip2Reader).Blob.
func LoadBzip2Index(blob []byte) (*Bzip2Index, error) {
	var idx Bzip2Index
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("blockindex: decode bzip2 index: %w", err)
	}
	return &idx, nil
}

func (r *bzip2Reader) checkpointIndexFor(offset int64) int {
	i := sort.Search(len(r.idx.Checkpoints), func(i int) bool {
		return r.idx.Checkpoints[i].UncompressedOffset > offset
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (r *bzip2Reader) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("blockindex: negative offset %d", offset)
	}
	if offset >= r.idx.TotalSize {
		return 0, io.EOF
	}

	br := newBitReader(r.buf)
	total := 0
	for total < len(p) && offset < r.idx.TotalSize {
		ci := r.checkpointIndexFor(offset)
		cp := r.idx.Checkpoints[ci]
		var next int64
		if ci+1 < len(r.idx.Checkpoints) {
			next = r.idx.Checkpoints[ci+1].BitOffset
		} else {
			// The last block ends at the stream-end magic, which is
			// followed only by the 32-bit combined CRC and up to 7
			// padding bits.
			next = br.totalBits()
			for pos := br.totalBits() - 80; pos >= br.totalBits()-87 && pos > cp.BitOffset; pos-- {
				if v, ok := br.peekBitsAt(pos, 48); ok && v == bzEndMagic {
					next = pos
					break
				}
			}
		}
		block, err := decodeSingleBzip2Block(r.idx.Header, br, cp.BitOffset, next)
		if err != nil {
			return total, fmt.Errorf("blockindex: %w", err)
		}
		withinBlock := offset - cp.UncompressedOffset
		if withinBlock >= int64(len(block)) {
			break
		}
		n := copy(p[total:], block[withinBlock:])
		total += n
		offset += int64(n)
	}

	var err error
	if total < len(p) && offset >= r.idx.TotalSize {
		err = io.EOF
	}
	return total, err
}
