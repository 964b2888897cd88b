package archive

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path"
	"strings"
	"time"

	"github.com/arcmount/arcmount/pkg/common"
)

// MimeReader exposes the parts of a MIME message (an .eml mail file or an
// .mht/.mhtml web archive) as a virtual file tree. Every leaf part
// becomes a regular file named by its Content-Disposition filename,
// falling back to its content type (with "/" replaced by "_"), then to a
// positional part_N name. A nested multipart becomes a directory named by
// its content type; an embedded message/rfc822 becomes a nested_N
// directory. Part payloads are decoded per their Content-Transfer-Encoding.
// Each entry's Offset is its position in the part walk order, which
// survives in the index and lets a reused index Open entries without a
// prior Walk.
type MimeReader struct {
	src   ByteSource
	mtime time.Time
	dirs  []string
	parts []mimePart
}

type mimePart struct {
	dir     string
	name    string
	payload []byte
}

// mimeHeader is the least common shape of mail.Header and
// multipart.Part's textproto.MIMEHeader.
type mimeHeader interface {
	Get(key string) string
}

// NewMimeReader parses src as a MIME message, buffering every decoded
// part (messages are headers-plus-payload with no random-access layout of
// their own, the same situation as zip/7z entry streams).
func NewMimeReader(src ByteSource) (*MimeReader, error) {
	data := make([]byte, src.Len())
	if _, err := src.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("archive: read mime message: %w", err)
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: parse mime message: %w", err)
	}

	m := &MimeReader{src: src, mtime: time.Unix(0, 0).UTC()}
	if d, derr := msg.Header.Date(); derr == nil {
		m.mtime = d
	}
	if err := m.processPart(msg.Header, msg.Body, "/"); err != nil {
		return nil, err
	}
	return m, nil
}

// processPart recurses through the part tree rooted at (h, body), adding
// directories for multipart and embedded-message containers and leaves
// for everything else.
func (m *MimeReader) processPart(h mimeHeader, body io.Reader, dir string) error {
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return m.addLeaf(h, body, dir)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("archive: mime multipart under %s has no boundary", dir)
	}
	mr := multipart.NewReader(body, boundary)
	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: mime part under %s: %w", dir, err)
		}
		subType, _, merr := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if merr != nil {
			subType = "text/plain"
		}
		switch {
		case strings.HasPrefix(subType, "multipart/"):
			subdir := joinMimePath(dir, strings.ReplaceAll(subType, "/", "_"))
			m.dirs = append(m.dirs, subdir)
			if err := m.processPart(p.Header, p, subdir); err != nil {
				return err
			}
		case subType == "message/rfc822":
			subdir := joinMimePath(dir, fmt.Sprintf("nested_%d", i))
			m.dirs = append(m.dirs, subdir)
			inner, ierr := mail.ReadMessage(p)
			if ierr != nil {
				return fmt.Errorf("archive: embedded message under %s: %w", dir, ierr)
			}
			if err := m.processPart(inner.Header, inner.Body, subdir); err != nil {
				return err
			}
		default:
			if err := m.addLeaf(p.Header, p, dir); err != nil {
				return err
			}
		}
	}
}

// addLeaf decodes one non-container part's payload and records it.
// multipart.Part already strips quoted-printable transfer encoding (and
// removes the header when it does), so decodeTransferEncoding only ever
// sees base64 or identity encodings for parts; a non-multipart top-level
// body arrives undecoded and hits all three cases.
func (m *MimeReader) addLeaf(h mimeHeader, body io.Reader, dir string) error {
	payload, err := decodeTransferEncoding(h.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return fmt.Errorf("archive: decode mime part under %s: %w", dir, err)
	}
	m.parts = append(m.parts, mimePart{
		dir:     dir,
		name:    partFileName(h, len(m.parts)),
		payload: payload,
	})
	return nil
}

func decodeTransferEncoding(cte string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, body))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		return io.ReadAll(body)
	}
}

// partFileName picks a leaf's name: Content-Disposition filename first,
// then the content type with "/" flattened, then a positional fallback.
func partFileName(h mimeHeader, position int) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				return path.Base(fn)
			}
		}
	}
	if ct, _, err := mime.ParseMediaType(h.Get("Content-Type")); err == nil && ct != "" {
		return strings.ReplaceAll(ct, "/", "_")
	}
	return fmt.Sprintf("part_%d", position)
}

func joinMimePath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func (m *MimeReader) Walk(fn func(*common.Entry) error) error {
	for i, d := range m.dirs {
		parent, name := splitPath(d)
		e := &common.Entry{
			Path:   parent,
			Name:   name,
			Type:   common.TypeDirectory,
			Mode:   0o755 | common.ModeDir,
			Mtime:  m.mtime,
			Offset: int64(i),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	for i, p := range m.parts {
		e := &common.Entry{
			Path:          p.dir,
			Name:          p.name,
			Type:          common.TypeRegular,
			Size:          int64(len(p.payload)),
			Mtime:         m.mtime,
			Mode:          0o644,
			Offset:        int64(i),
			PayloadLength: int64(len(p.payload)),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MimeReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	if e.Type != common.TypeRegular {
		return nil, fmt.Errorf("archive: mime entry %s/%s is not a regular file", e.Path, e.Name)
	}
	if e.Offset < 0 || e.Offset >= int64(len(m.parts)) {
		return nil, fmt.Errorf("archive: mime entry %s/%s not present in message", e.Path, e.Name)
	}
	return &memReadSeeker{data: m.parts[e.Offset].payload}, nil
}

func (m *MimeReader) Close() error { return m.src.Close() }
