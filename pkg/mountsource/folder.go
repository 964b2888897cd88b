package mountsource

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"

	"github.com/arcmount/arcmount/pkg/common"
)

// folderToken carries the resolved host path, so Open/Read never
// recompute filepath.Join against the archive root.
type folderToken struct {
	hostPath string
}

func (folderToken) Layer() string { return "folder" }

// FolderSource exposes a host directory as a mount source, serving every
// call live against the filesystem rather than from a one-shot scan.
type FolderSource struct {
	root string
}

// NewFolderSource validates root exists and is a directory.
func NewFolderSource(root string) (*FolderSource, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("mountsource: folder root %s: %w", root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("mountsource: folder root %s: %w", root, common.ErrNotDirectory)
	}
	return &FolderSource{root: filepath.Clean(root)}, nil
}

func (f *FolderSource) hostPath(p string) string {
	p = cleanPath(p)
	if p == "/" {
		return f.root
	}
	return filepath.Join(f.root, filepath.FromSlash(p))
}

func lstatToFileInfo(hostPath string, st os.FileInfo) (*common.FileInfo, error) {
	mode := uint32(st.Mode().Perm())
	var linkname string
	switch {
	case st.IsDir():
		mode |= common.ModeDir
	case st.Mode()&os.ModeSymlink != 0:
		mode |= common.ModeSymlink
		target, err := os.Readlink(hostPath)
		if err != nil {
			return nil, fmt.Errorf("mountsource: readlink %s: %w", hostPath, err)
		}
		linkname = target
	case st.Mode()&os.ModeDevice != 0:
		mode |= common.ModeDevice
	case st.Mode()&os.ModeNamedPipe != 0:
		mode |= common.ModeFIFO
	case st.Mode()&os.ModeSocket != 0:
		mode |= common.ModeSocket
	}

	var uid, gid uint32
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		uid, gid = sys.Uid, sys.Gid
	}

	fi := &common.FileInfo{
		Size:     st.Size(),
		Mtime:    st.ModTime(),
		Mode:     mode,
		Linkname: linkname,
		UID:      uid,
		GID:      gid,
	}
	fi.Push(folderToken{hostPath: hostPath})
	return fi, nil
}

func (f *FolderSource) Lookup(p string, version int) (*common.FileInfo, error) {
	if version > 1 {
		return nil, common.ErrNotFound
	}
	hp := f.hostPath(p)
	st, err := os.Lstat(hp)
	if os.IsNotExist(err) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mountsource: lstat %s: %w", hp, err)
	}
	return lstatToFileInfo(hp, st)
}

func (f *FolderSource) Versions(p string) (int, error) {
	_, err := f.Lookup(p, 0)
	if err == common.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *FolderSource) List(p string) (map[string]*common.FileInfo, error) {
	hp := f.hostPath(p)
	dirents, err := godirwalk.ReadDirents(hp, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("mountsource: readdir %s: %w", hp, err)
	}
	out := make(map[string]*common.FileInfo, len(dirents))
	for _, de := range dirents {
		childHost := filepath.Join(hp, de.Name())
		st, err := os.Lstat(childHost)
		if err != nil {
			continue // raced away between readdir and lstat
		}
		fi, err := lstatToFileInfo(childHost, st)
		if err != nil {
			return nil, err
		}
		out[de.Name()] = fi
	}
	return out, nil
}

// ListMode answers from godirwalk's Dirent type bits alone, with no
// per-child lstat. Only the type bits are populated; permission bits are
// not available without a stat.
func (f *FolderSource) ListMode(p string) (map[string]uint32, error) {
	hp := f.hostPath(p)
	dirents, err := godirwalk.ReadDirents(hp, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("mountsource: readdir %s: %w", hp, err)
	}
	out := make(map[string]uint32, len(dirents))
	for _, de := range dirents {
		var mode uint32
		switch {
		case de.IsDir():
			mode = common.ModeDir
		case de.IsSymlink():
			mode = common.ModeSymlink
		default:
			mode = 0
		}
		out[de.Name()] = mode
	}
	return out, nil
}

func (f *FolderSource) leafToken(fi *common.FileInfo) (string, error) {
	tok := fi.Pop()
	ft, ok := tok.(folderToken)
	if !ok {
		return "", fmt.Errorf("mountsource: folder leaf got foreign token %v", tok)
	}
	return ft.hostPath, nil
}

func (f *FolderSource) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	hp, err := f.leafToken(fi)
	if err != nil {
		return nil, err
	}
	return os.Open(hp)
}

func (f *FolderSource) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	hp, err := f.leafToken(fi)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(hp)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, size)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (f *FolderSource) ListXattr(fi *common.FileInfo) ([]string, error) {
	hp, err := f.leafToken(fi)
	if err != nil {
		return nil, err
	}
	size, err := unix.Listxattr(hp, nil)
	if err != nil {
		if err == unix.ENOTSUP {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(hp, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, part := range splitNulTerminated(buf[:n]) {
		names = append(names, part)
	}
	return names, nil
}

func (f *FolderSource) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	hp, err := f.leafToken(fi)
	if err != nil {
		return nil, false, err
	}
	size, err := unix.Getxattr(hp, key, nil)
	if err != nil {
		if err == unix.ENODATA {
			return nil, false, nil
		}
		return nil, false, err
	}
	buf := make([]byte, size)
	if _, err := unix.Getxattr(hp, key, buf); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func (f *FolderSource) GetMountSource(fi *common.FileInfo) (string, Source, *common.FileInfo, error) {
	if _, err := f.leafToken(fi); err != nil {
		return "", nil, nil, err
	}
	return "", f, fi, nil
}

func (f *FolderSource) StatFS() (StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(f.root, &st); err != nil {
		return StatFS{}, fmt.Errorf("mountsource: statfs %s: %w", f.root, err)
	}
	return StatFS{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		NameLen: uint32(st.Namelen),
	}, nil
}

func (f *FolderSource) IsImmutable() bool { return true }

func (f *FolderSource) Close() error { return nil }

func splitNulTerminated(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	return out
}
