package mountsource

import (
	"io"
	"time"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/common"
)

// singleFileToken has no payload: there is exactly one file, so Open/Read
// never need to disambiguate which entry a FileInfo refers to.
type singleFileToken struct{}

func (singleFileToken) Layer() string { return "singlefile" }

// SingleFileSource exposes one byte buffer under a chosen name at root:
// the same shape as archive.RawReader but at the mount-source layer, for
// callers that never
// need an archive.Reader in between (e.g. grafting a remote HTTP object
// directly into a union).
type SingleFileSource struct {
	name  string
	src   archive.ByteSource
	mode  uint32
	mtime time.Time
}

func NewSingleFileSource(name string, src archive.ByteSource, mode uint32, mtime time.Time) *SingleFileSource {
	return &SingleFileSource{name: name, src: src, mode: mode, mtime: mtime}
}

func (s *SingleFileSource) fileInfo() *common.FileInfo {
	fi := &common.FileInfo{
		Size:  s.src.Len(),
		Mtime: s.mtime,
		Mode:  s.mode & common.ModePerm,
	}
	fi.Push(singleFileToken{})
	return fi
}

func (s *SingleFileSource) Lookup(p string, version int) (*common.FileInfo, error) {
	if version > 1 {
		return nil, common.ErrNotFound
	}
	switch cleanPath(p) {
	case "/":
		fi := &common.FileInfo{Mode: common.ModeDir | 0o755}
		return fi, nil
	case "/" + s.name:
		return s.fileInfo(), nil
	default:
		return nil, common.ErrNotFound
	}
}

func (s *SingleFileSource) Versions(p string) (int, error) {
	fi, err := s.Lookup(p, 0)
	if err == common.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, nil
	}
	return 1, nil
}

func (s *SingleFileSource) List(p string) (map[string]*common.FileInfo, error) {
	if cleanPath(p) != "/" {
		return nil, common.ErrNotFound
	}
	return map[string]*common.FileInfo{s.name: s.fileInfo()}, nil
}

func (s *SingleFileSource) ListMode(p string) (map[string]uint32, error) {
	entries, err := s.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(entries))
	for name, fi := range entries {
		out[name] = fi.Mode
	}
	return out, nil
}

func (s *SingleFileSource) checkToken(fi *common.FileInfo) error {
	if _, ok := fi.Pop().(singleFileToken); !ok {
		return common.ErrNotSupported
	}
	return nil
}

func (s *SingleFileSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	if err := s.checkToken(fi); err != nil {
		return nil, err
	}
	return io.NewSectionReader(s.src, 0, s.src.Len()), nil
}

func (s *SingleFileSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	if err := s.checkToken(fi); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := s.src.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (s *SingleFileSource) ListXattr(fi *common.FileInfo) ([]string, error) { return nil, nil }

func (s *SingleFileSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *SingleFileSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	if err := s.checkToken(fi); err != nil {
		return "", nil, nil, err
	}
	return "", s, fi, nil
}

func (s *SingleFileSource) StatFS() (StatFS, error) {
	const bsize = 256 * 1024
	return StatFS{Blocks: uint64(s.src.Len())/bsize + 1, Files: 1, Bsize: bsize, NameLen: 255}, nil
}

func (s *SingleFileSource) IsImmutable() bool { return true }

func (s *SingleFileSource) Close() error { return s.src.Close() }
