package blockindex

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"
)

// GzipCheckpoint is one gzip seek point: the compressed-stream byte offset
// of a gzip member's start, and the cumulative uncompressed offset at which
// that member's content begins.
//
// Member boundaries are the only byte-aligned positions at which a fresh
// DEFLATE decoder can be started exactly; compress/flate does not expose
// resuming at an arbitrary bit offset with a restored 32 KiB window, so
// no checkpoints are recorded inside a member. Random access within a
// member is instead served by gzipReader's decoded-chunk cache, whose
// granularity is the configured seek-point spacing. A concatenated
// multi-member stream gets one checkpoint per member; a single-member
// stream gets exactly one, and pays one forward decode per cold region.
// See DESIGN.md ("Gzip random access granularity") for the trade-off.
type GzipCheckpoint struct {
	CompressedOffset   int64
	UncompressedOffset int64
}

// GzipIndex is the persisted block index for one gzip stream.
type GzipIndex struct {
	Checkpoints []GzipCheckpoint
	TotalSize   int64
}

// BuildGzipIndex scans src once, recording one checkpoint per gzip member
// and the total uncompressed size.
func BuildGzipIndex(src io.ReaderAt, size int64) (*GzipIndex, error) {
	sr := io.NewSectionReader(src, 0, size)
	cr := &countingReader{r: sr}

	idx := &GzipIndex{}
	var uOff int64

	for cr.n < size {
		memberStart := cr.n
		gz, err := gzip.NewReader(cr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blockindex: gzip member at %d: %w", memberStart, err)
		}
		gz.Multistream(false)

		idx.Checkpoints = append(idx.Checkpoints, GzipCheckpoint{
			CompressedOffset:   memberStart,
			UncompressedOffset: uOff,
		})

		n, cerr := io.Copy(io.Discard, gz)
		uOff += n
		gz.Close()
		if cerr != nil {
			return nil, fmt.Errorf("blockindex: gzip member at %d: %w", memberStart, cerr)
		}
	}

	idx.TotalSize = uOff
	return idx, nil
}

// gzipChunkCacheBudget bounds the decoded-chunk cache to roughly this many
// bytes regardless of the configured spacing.
const gzipChunkCacheBudget = 128 * 1024 * 1024

// gzipReader implements Reader over a GzipIndex.
//
// Reads are served from a bounded LRU of decoded chunks, one chunk per
// spacing-sized span of uncompressed data. A cache miss decodes forward
// from the reader's current decoder position when the target lies ahead
// of it, or from the nearest preceding member checkpoint otherwise,
// caching every full chunk produced along the way. Warm reads at any
// offset therefore cost one cache hit and a copy; the spacing value
// trades cache memory against the cost of the first touch of a region.
type gzipReader struct {
	src     io.ReaderAt
	len     int64
	idx     *GzipIndex
	spacing int64

	mu    sync.Mutex
	cache *blockLRU
	cur   *gzip.Reader // forward decoder, reused while targets move forward
	curU  int64        // uncompressed offset of the next byte cur will produce
}

// NewGzipReader wraps src (the whole compressed stream, length size) with a
// previously built or loaded GzipIndex. spacingMiB sets the decoded-chunk
// granularity; zero or negative selects the 16 MiB default.
func NewGzipReader(src io.ReaderAt, size int64, idx *GzipIndex, spacingMiB int64) Reader {
	if spacingMiB <= 0 {
		spacingMiB = 16
	}
	spacing := spacingMiB * 1024 * 1024
	capacity := int(gzipChunkCacheBudget / spacing)
	if capacity < 4 {
		capacity = 4
	}
	return &gzipReader{
		src:     src,
		len:     size,
		idx:     idx,
		spacing: spacing,
		cache:   newBlockLRU(capacity),
	}
}

func (r *gzipReader) Len() int64 { return r.idx.TotalSize }

func (r *gzipReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

func (r *gzipReader) Blob() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r.idx); err != nil {
		// Encoding a plain struct of ints cannot fail; surfacing a panic
		// here would only hide a programming error upstream.
		panic(fmt.Sprintf("blockindex: gzip index encode: %v", err))
	}
	return buf.Bytes()
}

// LoadGzipIndex deserializes a Blob produced by (*gzipReader).Blob.
func LoadGzipIndex(blob []byte) (*GzipIndex, error) {
	var idx GzipIndex
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("blockindex: decode gzip index: %w", err)
	}
	return &idx, nil
}

// nearestCheckpoint finds the checkpoint with the greatest
// UncompressedOffset <= want.
func nearestCheckpoint(checkpoints []GzipCheckpoint, want int64) GzipCheckpoint {
	i := sort.Search(len(checkpoints), func(i int) bool {
		return checkpoints[i].UncompressedOffset > want
	})
	if i == 0 {
		return GzipCheckpoint{}
	}
	return checkpoints[i-1]
}

// restartAt discards the current decoder and opens a fresh one at the
// nearest member checkpoint preceding target. The new decoder runs in
// multistream mode so it keeps producing across member boundaries.
func (r *gzipReader) restartAt(target int64) error {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	cp := nearestCheckpoint(r.idx.Checkpoints, target)
	sr := io.NewSectionReader(r.src, cp.CompressedOffset, r.len-cp.CompressedOffset)
	gz, err := gzip.NewReader(sr)
	if err != nil {
		return fmt.Errorf("blockindex: reopen gzip stream at %d: %w", cp.CompressedOffset, err)
	}
	r.cur, r.curU = gz, cp.UncompressedOffset
	return nil
}

// decodeSpan reads exactly size bytes (or fewer at stream end) from the
// forward decoder, advancing curU.
func (r *gzipReader) decodeSpan(size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r.cur, buf)
	r.curU += int64(n)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:n], nil
	}
	if err != nil {
		return nil, fmt.Errorf("blockindex: gzip decode at %d: %w", r.curU, err)
	}
	return buf, nil
}

// chunk returns the decoded bytes of chunk ci (the span starting at
// ci*spacing), consulting the cache first and decoding forward on a miss.
// Full chunks passed while skipping up to ci are cached too, so a cold
// sequential scan warms the cache for its whole trail.
func (r *gzipReader) chunk(ci int64) ([]byte, error) {
	if data, ok := r.cache.get(int(ci)); ok {
		return data, nil
	}

	chunkStart := ci * r.spacing
	// Restart when the target is behind the decoder, or when a member
	// checkpoint between the decoder and the target offers a shorter
	// entry point than decoding forward through interim members.
	if r.cur == nil || r.curU > chunkStart ||
		nearestCheckpoint(r.idx.Checkpoints, chunkStart).UncompressedOffset > r.curU {
		if err := r.restartAt(chunkStart); err != nil {
			return nil, err
		}
	}

	for r.curU < chunkStart {
		spanEnd := (r.curU/r.spacing + 1) * r.spacing
		if spanEnd > chunkStart {
			spanEnd = chunkStart
		}
		aligned := r.curU%r.spacing == 0 && spanEnd-r.curU == r.spacing
		passedIdx := r.curU / r.spacing
		span, err := r.decodeSpan(spanEnd - r.curU)
		if err != nil {
			return nil, err
		}
		if len(span) == 0 {
			return nil, fmt.Errorf("blockindex: gzip stream shorter than indexed at %d", r.curU)
		}
		if aligned && int64(len(span)) == r.spacing {
			r.cache.put(int(passedIdx), span)
		}
	}

	data, err := r.decodeSpan(r.spacing)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("blockindex: gzip stream shorter than indexed at %d", chunkStart)
	}
	r.cache.put(int(ci), data)
	return data, nil
}

// ReadAt copies out of spacing-sized decoded chunks, fetching each owning
// chunk through the cache.
func (r *gzipReader) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("blockindex: negative offset %d", offset)
	}
	if offset >= r.idx.TotalSize {
		return 0, io.EOF
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for total < len(p) && offset < r.idx.TotalSize {
		ci := offset / r.spacing
		data, err := r.chunk(ci)
		if err != nil {
			return total, err
		}
		within := offset - ci*r.spacing
		if within >= int64(len(data)) {
			return total, fmt.Errorf("blockindex: gzip chunk %d shorter than indexed", ci)
		}
		n := copy(p[total:], data[within:])
		total += n
		offset += int64(n)
	}

	var err error
	if total < len(p) && offset >= r.idx.TotalSize {
		err = io.EOF
	}
	return total, err
}

// countingReader tracks the consumed byte count so member boundaries can
// be recorded. It implements io.ByteReader as well: that makes it a
// flate.Reader, which keeps gzip.NewReader from wrapping it in an internal
// bufio.Reader whose read-ahead would push cr.n past the member's true
// end.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	k, err := cr.r.Read(p)
	cr.n += int64(k)
	return k, err
}

func (cr *countingReader) ReadByte() (byte, error) {
	var b [1]byte
	for {
		k, err := cr.r.Read(b[:])
		if k == 1 {
			cr.n++
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}
