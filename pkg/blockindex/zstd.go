package blockindex

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdFrame is one frame's compressed/uncompressed extent. Every frame
// is an implicit seek point, since frames decode independently.
type ZstdFrame struct {
	CompressedOffset   int64
	CompressedLength    int64
	UncompressedOffset int64
	UncompressedLength int64
}

// ZstdIndex is the persisted block index for one zstd stream.
type ZstdIndex struct {
	Frames             []ZstdFrame
	TotalSize          int64
	SingleFrameWarning bool // single frame over 1 MiB: sequential-decode fallback
}

const zstdMagic = 0xFD2FB528

// BuildZstdIndex walks the zstd frame structure without fully decompressing
// it: each frame's header is parsed and its data blocks are skipped using
// their declared sizes (stdlib zstd exposes no frame-boundary API, so this
// is done directly against the wire format), giving exact frame
// boundaries. Each standalone frame is then independently decodable,
// exactly like one gzip member.
func BuildZstdIndex(src io.ReaderAt, size int64) (*ZstdIndex, error) {
	idx := &ZstdIndex{}
	var cOff, uOff int64

	for cOff < size {
		frameLen, contentSize, hasContentSize, err := scanZstdFrame(src, cOff, size)
		if err != nil {
			return nil, fmt.Errorf("blockindex: scan zstd frame at %d: %w", cOff, err)
		}

		var uncompLen int64
		if hasContentSize {
			uncompLen = contentSize
		} else {
			// Frame header omitted content size; decode the frame in
			// isolation once to learn its length.
			sr := io.NewSectionReader(src, cOff, frameLen)
			dec, derr := zstd.NewReader(sr)
			if derr != nil {
				return nil, fmt.Errorf("blockindex: open zstd frame at %d: %w", cOff, derr)
			}
			n, cerr := io.Copy(io.Discard, dec)
			dec.Close()
			if cerr != nil {
				return nil, fmt.Errorf("blockindex: decode zstd frame at %d: %w", cOff, cerr)
			}
			uncompLen = n
		}

		idx.Frames = append(idx.Frames, ZstdFrame{
			CompressedOffset:   cOff,
			CompressedLength:    frameLen,
			UncompressedOffset: uOff,
			UncompressedLength: uncompLen,
		})
		cOff += frameLen
		uOff += uncompLen
	}

	idx.TotalSize = uOff
	if len(idx.Frames) == 1 && idx.Frames[0].UncompressedLength > 1<<20 {
		idx.SingleFrameWarning = true
	}
	return idx, nil
}

// scanZstdFrame parses one frame header at offset and walks its data
// blocks by their declared sizes, returning the frame's total compressed
// length and, if present, its declared uncompressed content size.
func scanZstdFrame(src io.ReaderAt, offset, limit int64) (frameLen int64, contentSize int64, hasContentSize bool, err error) {
	head := make([]byte, 14) // magic(4) + descriptor(1) + up to 9 bytes of optional fields
	n, rerr := src.ReadAt(head, offset)
	if rerr != nil && rerr != io.EOF {
		return 0, 0, false, rerr
	}
	head = head[:n]
	if len(head) < 5 {
		return 0, 0, false, fmt.Errorf("truncated frame header")
	}
	magic := uint32(head[0]) | uint32(head[1])<<8 | uint32(head[2])<<16 | uint32(head[3])<<24
	if magic != zstdMagic {
		return 0, 0, false, fmt.Errorf("bad zstd frame magic 0x%x", magic)
	}

	descriptor := head[4]
	fcsFlag := descriptor >> 6
	singleSegment := descriptor&(1<<5) != 0
	contentChecksum := descriptor&(1<<2) != 0
	didFlag := descriptor & 0x3

	pos := int64(5)
	if !singleSegment {
		pos++ // Window_Descriptor
	}

	didLen := map[byte]int64{0: 0, 1: 1, 2: 2, 3: 4}[didFlag]
	pos += didLen

	fcsLen := map[byte]int64{0: 0, 1: 2, 2: 4, 3: 8}[fcsFlag]
	if fcsFlag == 0 && singleSegment {
		fcsLen = 1
	}
	if fcsLen > 0 {
		fcsBuf := make([]byte, fcsLen)
		if _, rerr := src.ReadAt(fcsBuf, offset+pos); rerr != nil && rerr != io.EOF {
			return 0, 0, false, rerr
		}
		var v uint64
		for i := len(fcsBuf) - 1; i >= 0; i-- {
			v = v<<8 | uint64(fcsBuf[i])
		}
		if fcsLen == 2 {
			v += 256 // per RFC 8878 §3.1.1.1.4: 2-byte field stores value-256
		}
		contentSize = int64(v)
		hasContentSize = true
	}
	pos += fcsLen

	// Walk data blocks using their declared sizes.
	for {
		hdr := make([]byte, 3)
		if _, rerr := src.ReadAt(hdr, offset+pos); rerr != nil && rerr != io.EOF {
			return 0, 0, false, rerr
		}
		raw := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
		last := raw&1 != 0
		blockType := (raw >> 1) & 0x3
		blockSize := int64(raw >> 3)

		pos += 3
		switch blockType {
		case 1: // RLE_Block: exactly one byte of data regardless of blockSize
			pos += 1
		default: // Raw_Block or Compressed_Block: blockSize bytes follow
			pos += blockSize
		}
		if last {
			break
		}
		if offset+pos >= limit {
			return 0, 0, false, fmt.Errorf("frame ran past end of stream")
		}
	}
	if contentChecksum {
		pos += 4
	}

	return pos, contentSize, hasContentSize, nil
}

// zstdReader implements Reader over a ZstdIndex, decoding one frame at a
// time.
type zstdReader struct {
	src io.ReaderAt
	idx *ZstdIndex
}

// NewZstdReader wraps src with a previously built or loaded ZstdIndex.
func NewZstdReader(src io.ReaderAt, idx *ZstdIndex) Reader {
	return &zstdReader{src: src, idx: idx}
}

func (r *zstdReader) Len() int64  { return r.idx.TotalSize }
func (r *zstdReader) Close() error { return nil }

func (r *zstdReader) Blob() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r.idx); err != nil {
		panic(fmt.Sprintf("blockindex: zstd index encode: %v", err))
	}
	return buf.Bytes()
}

// LoadZstdIndex deserializes a Blob produced by (*zstdReader).Blob.
func LoadZstdIndex(blob []byte) (*ZstdIndex, error) {
	var idx ZstdIndex
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("blockindex: decode zstd index: %w", err)
	}
	return &idx, nil
}

func (r *zstdReader) frameIndexFor(offset int64) int {
	lo, hi := 0, len(r.idx.Frames)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if r.idx.Frames[mid].UncompressedOffset <= offset {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

func (r *zstdReader) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("blockindex: negative offset %d", offset)
	}
	if offset >= r.idx.TotalSize {
		return 0, io.EOF
	}

	total := 0
	for total < len(p) && offset < r.idx.TotalSize {
		fi := r.frameIndexFor(offset)
		f := r.idx.Frames[fi]

		sr := io.NewSectionReader(r.src, f.CompressedOffset, f.CompressedLength)
		dec, err := zstd.NewReader(sr)
		if err != nil {
			return total, fmt.Errorf("blockindex: open zstd frame at %d: %w", f.CompressedOffset, err)
		}
		withinFrame := offset - f.UncompressedOffset
		if withinFrame > 0 {
			if _, err := io.CopyN(io.Discard, dec, withinFrame); err != nil {
				dec.Close()
				return total, fmt.Errorf("blockindex: seeking zstd frame: %w", err)
			}
		}
		n, rerr := io.ReadFull(dec, p[total:])
		dec.Close()
		total += n
		offset += int64(n)
		if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
			if n == 0 {
				return total, fmt.Errorf("blockindex: zstd frame at %d shorter than indexed", f.CompressedOffset)
			}
			continue
		}
		if rerr != nil {
			return total, fmt.Errorf("blockindex: %w", rerr)
		}
	}

	var err error
	if offset >= r.idx.TotalSize {
		err = io.EOF
	}
	return total, err
}

// parallelZstdReader decodes whole frames through a bounded worker pool
// with a decoded-frame LRU. Each read fetches the owning frame from the
// pool and prefetches its successor, so sequential scans keep the
// workers ahead of the consumer.
type parallelZstdReader struct {
	*zstdReader
	pool *Pool
}

// NewParallelZstdReader wraps src with a worker pool of the given size.
// workers <= 1, or a stream without at least two frames, falls back to the
// plain sequential reader since there is nothing to decode concurrently.
func NewParallelZstdReader(src io.ReaderAt, idx *ZstdIndex, workers int) Reader {
	base := &zstdReader{src: src, idx: idx}
	if workers <= 1 || len(idx.Frames) < 2 {
		return base
	}
	r := &parallelZstdReader{zstdReader: base}
	r.pool = NewPool(r.decodeFrame, workers, workers*2)
	return r
}

// decodeFrame is the pool's BlockFetcher: it decodes frame frameIdx in
// full, in isolation.
func (r *parallelZstdReader) decodeFrame(_ context.Context, frameIdx int) ([]byte, error) {
	f := r.idx.Frames[frameIdx]
	sr := io.NewSectionReader(r.src, f.CompressedOffset, f.CompressedLength)
	dec, err := zstd.NewReader(sr)
	if err != nil {
		return nil, fmt.Errorf("blockindex: open zstd frame at %d: %w", f.CompressedOffset, err)
	}
	defer dec.Close()
	buf := bytes.NewBuffer(make([]byte, 0, f.UncompressedLength))
	if _, err := io.Copy(buf, dec); err != nil {
		return nil, fmt.Errorf("blockindex: decode zstd frame at %d: %w", f.CompressedOffset, err)
	}
	return buf.Bytes(), nil
}

func (r *parallelZstdReader) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("blockindex: negative offset %d", offset)
	}
	if offset >= r.idx.TotalSize {
		return 0, io.EOF
	}

	ctx := context.Background()
	total := 0
	for total < len(p) && offset < r.idx.TotalSize {
		fi := r.frameIndexFor(offset)
		if fi+1 < len(r.idx.Frames) {
			r.pool.Prefetch(ctx, fi+1)
		}
		data, err := r.pool.Get(ctx, fi)
		if err != nil {
			return total, err
		}
		withinFrame := offset - r.idx.Frames[fi].UncompressedOffset
		if withinFrame >= int64(len(data)) {
			return total, fmt.Errorf("blockindex: zstd frame %d shorter than indexed", fi)
		}
		n := copy(p[total:], data[withinFrame:])
		total += n
		offset += int64(n)
	}

	var err error
	if offset >= r.idx.TotalSize {
		err = io.EOF
	}
	return total, err
}

// Close joins the pool's in-flight workers before returning.
func (r *parallelZstdReader) Close() error {
	return r.pool.Close()
}
