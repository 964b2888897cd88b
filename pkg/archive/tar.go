package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/arcmount/arcmount/pkg/common"
)

// scannedEntry holds a buffered entry awaiting the GNU-incremental
// detection decision.
type scannedEntry struct {
	entry    *common.Entry
	origName string
}

// TarReader walks a TAR byte stream and emits one common.Entry per
// header. The low-level header parsing (ustar/GNU/pax,
// long-name/long-link, pax extended records, sparse detection) is
// handled by stdlib archive/tar rather than reimplemented by hand; this
// type adds offset tracking, --ignore-zeros, GNU-incremental handling,
// and entry-name transcoding on top.
type TarReader struct {
	src  ByteSource
	opts TarOptions
}

// NewTarReader builds a TarReader over src (already decompressed, if the
// TAR was gzip/bzip2/xz/zstd-wrapped — see pkg/blockindex for turning the
// original compressed file into a ByteSource first).
func NewTarReader(src ByteSource, opts TarOptions) *TarReader {
	if opts.GNUIncrementalScanEntries <= 0 {
		opts.GNUIncrementalScanEntries = 1000
	}
	return &TarReader{src: src, opts: opts}
}

// countingReader tracks how many bytes have been consumed from the
// underlying reader, used to compute each header's block-aligned offset.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	k, err := cr.r.Read(p)
	cr.n += int64(k)
	return k, err
}

// gnuIncrementalPrefix matches the leading octal-mtime/octal-size prefix
// GNU tar's incremental dump format prepends to member names.
var gnuIncrementalPrefix = regexp.MustCompile(`^[0-7]+ [0-7]+\n`)

// Walk implements Reader.Walk. It supports --ignore-zeros by
// restarting a fresh tar.Reader past any run of all-zero 512-byte blocks
// instead of stopping at the first one, and applies GNU-incremental
// name-prefix stripping once detection (explicit or heuristic) decides it
// applies.
func (t *TarReader) Walk(fn func(*common.Entry) error) error {
	dec, err := resolveEncoding(t.opts.Encoding)
	if err != nil {
		return fmt.Errorf("archive: --encoding %q: %w", t.opts.Encoding, err)
	}

	var buffered []scannedEntry
	flush := func(stripIncremental bool) error {
		for _, s := range buffered {
			if stripIncremental {
				s.entry.Name = stripGNUIncrementalPrefix(s.origName)
				s.entry.Path, s.entry.Name = splitPath(path.Join(path.Dir(s.entry.Path), s.entry.Name))
			}
			if err := fn(s.entry); err != nil {
				return err
			}
		}
		return nil
	}

	incremental := t.opts.GNUIncremental
	var offset int64
	count := 0

	for offset < t.src.Len() {
		sr := io.NewSectionReader(t.src, offset, t.src.Len()-offset)
		cr := &countingReader{r: sr}
		tr := tar.NewReader(cr)

		any := false
		for {
			// cr.n sits at the previous entry's payload end (we drain
			// each payload below); the next header record starts at the
			// following 512-byte block boundary.
			headerOffset := offset + ((cr.n+511)/512)*512
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("archive: tar header at offset %d: %w", headerOffset, err)
			}
			any = true
			payloadOffset := offset + cr.n

			if dec != nil {
				hdr.Name = decodeName(dec, hdr.Name)
				hdr.Linkname = decodeName(dec, hdr.Linkname)
			}
			e := tarHeaderToEntry(hdr, payloadOffset, headerOffset)
			e.RecursionDepth = t.opts.RecursionDepth

			// Consume the payload now so cr.n tracks the physical
			// stream position; tar.Reader otherwise defers the skip
			// into the next Next call, which would fold it into the
			// next entry's header offset.
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("archive: tar payload at offset %d: %w", payloadOffset, err)
			}

			if incremental == nil && count < t.opts.GNUIncrementalScanEntries {
				buffered = append(buffered, scannedEntry{entry: e, origName: hdr.Name})
				count++
				if count == t.opts.GNUIncrementalScanEntries {
					detected := detectGNUIncremental(buffered)
					incremental = &detected
					if err := flush(detected); err != nil {
						return err
					}
					buffered = nil
				}
				continue
			}
			if incremental != nil && *incremental {
				e.Path, e.Name = splitPath(path.Join(path.Dir(e.Path), stripGNUIncrementalPrefix(hdr.Name)))
			}
			if err := fn(e); err != nil {
				return err
			}
		}

		if !any && !t.opts.IgnoreZeros {
			break
		}

		consumed := cr.n
		consumedBlocks := ((consumed + 511) / 512) * 512
		newOffset := offset + consumedBlocks
		if !t.opts.IgnoreZeros || newOffset >= t.src.Len() {
			offset = newOffset
			break
		}
		offset = skipZeroBlocks(t.src, newOffset)
	}

	if len(buffered) > 0 {
		detected := detectGNUIncremental(buffered)
		if incremental == nil {
			incremental = &detected
		}
		if err := flush(*incremental); err != nil {
			return err
		}
	}
	return nil
}

// skipZeroBlocks advances past consecutive all-zero 512-byte blocks,
// supporting --ignore-zeros on concatenated archives.
func skipZeroBlocks(src ByteSource, offset int64) int64 {
	buf := make([]byte, 512)
	for offset+512 <= src.Len() {
		n, err := src.ReadAt(buf, offset)
		if n < 512 || err != nil {
			break
		}
		if !isZeroBlock(buf) {
			break
		}
		offset += 512
	}
	return offset
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// detectGNUIncremental scans the buffered entries for
// octal-mtime-prefixed names, deciding by majority.
func detectGNUIncremental(entries []scannedEntry) bool {
	if len(entries) == 0 {
		return false
	}
	matches := 0
	for _, e := range entries {
		if gnuIncrementalPrefix.MatchString(e.origName) {
			matches++
		}
	}
	return matches*2 > len(entries) // majority of the scanned window
}

func stripGNUIncrementalPrefix(name string) string {
	return gnuIncrementalPrefix.ReplaceAllString(name, "")
}

// resolveEncoding looks up name (an IANA charset label, e.g.
// "shift_jis", "iso-8859-1") via golang.org/x/text's registry. Empty
// name, "utf-8", and "utf8" (already archive/tar's assumption) all
// return a nil decoder, meaning "pass entry names through unchanged".
func resolveEncoding(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset: %w", err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unknown charset %q", name)
	}
	return enc.NewDecoder(), nil
}

// decodeName reinterprets s's bytes (which archive/tar decoded as
// ISO-8859-1-equivalent raw bytes into a Go string) through dec, falling
// back to the original string on a decode error rather than failing the
// whole walk over one malformed name.
func decodeName(dec *encoding.Decoder, s string) string {
	if s == "" {
		return s
	}
	out, err := dec.String(s)
	if err != nil {
		return s
	}
	return out
}

func splitPath(p string) (dir, name string) {
	p = "/" + strings.TrimPrefix(path.Clean("/"+p), "/")
	dir = path.Dir(p)
	name = path.Base(p)
	return dir, name
}

func tarHeaderToEntry(hdr *tar.Header, payloadOffset, headerOffset int64) *common.Entry {
	dir, name := splitPath(hdr.Name)
	e := &common.Entry{
		Path:          dir,
		Name:          name,
		Size:          hdr.Size,
		Mtime:         hdr.ModTime,
		Mode:          tarModeToEntryMode(hdr),
		UID:           uint32(hdr.Uid),
		GID:           uint32(hdr.Gid),
		Linkname:      hdr.Linkname,
		Offset:        payloadOffset,
		PayloadLength: hdr.Size,
		HeaderOffset:  headerOffset,
		Type:          tarTypeToEntryType(hdr.Typeflag),
	}
	if hdr.Typeflag == tar.TypeGNUSparse {
		e.IsSparse = true
	}
	if len(hdr.PAXRecords) > 0 {
		e.Xattrs = make(map[string][]byte, len(hdr.PAXRecords))
		for k, v := range hdr.PAXRecords {
			if strings.HasPrefix(k, "SCHILY.xattr.") {
				e.Xattrs[strings.TrimPrefix(k, "SCHILY.xattr.")] = []byte(v)
			}
		}
	}
	return e
}

func tarTypeToEntryType(flag byte) common.EntryType {
	switch flag {
	case tar.TypeDir:
		return common.TypeDirectory
	case tar.TypeSymlink:
		return common.TypeSymlink
	case tar.TypeLink:
		return common.TypeHardlink
	case tar.TypeChar, tar.TypeBlock:
		return common.TypeDevice
	case tar.TypeFifo:
		return common.TypeFIFO
	default:
		return common.TypeRegular
	}
}

func tarModeToEntryMode(hdr *tar.Header) uint32 {
	mode := uint32(hdr.Mode) & common.ModePerm
	switch hdr.Typeflag {
	case tar.TypeDir:
		mode |= common.ModeDir
	case tar.TypeSymlink:
		mode |= common.ModeSymlink
	case tar.TypeChar, tar.TypeBlock:
		mode |= common.ModeDevice
	case tar.TypeFifo:
		mode |= common.ModeFIFO
	}
	return mode
}

// Open implements Reader.Open. Regular, non-sparse entries are a
// contiguous byte range in the archive and are served directly via a
// section reader. Sparse GNU entries are re-decoded through archive/tar
// from the entry's own header offset, since reconstructing a sparse map
// into stencil slices would require re-parsing the GNU sparse extension
// records archive/tar already resolves internally.
func (t *TarReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	if !e.IsSparse {
		return io.NewSectionReader(t.src, e.Offset, e.PayloadLength), nil
	}

	sr := io.NewSectionReader(t.src, e.HeaderOffset, t.src.Len()-e.HeaderOffset)
	tr := tar.NewReader(sr)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("archive: reopen sparse tar entry at %d: %w", e.HeaderOffset, err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("archive: materialize sparse tar entry: %w", err)
	}
	return &memReadSeeker{data: data}, nil
}

func (t *TarReader) Close() error { return nil }

// memReadSeeker serves a fully materialized byte slice (used for sparse
// TAR entries and by every reader that buffers an entry's whole payload).
type memReadSeeker struct {
	data []byte
	pos  int64
}

func (m *memReadSeeker) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.data)) + offset
	}
	if newPos < 0 {
		return 0, fmt.Errorf("archive: negative seek")
	}
	m.pos = newPos
	return newPos, nil
}
