package overlay

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Create makes a new regular file in the host folder and upserts a
// non-deleted overlay row for it.
func (o *Overlay) Create(p string, mode uint32) error {
	hp := o.hostFullPath(p)
	f, err := os.OpenFile(hp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode&0o7777))
	if err != nil {
		return fmt.Errorf("overlay: create %s: %w", p, err)
	}
	f.Close()
	return o.upsertFresh(p, mode)
}

// Mkdir makes a new directory in the host folder and upserts its row.
func (o *Overlay) Mkdir(p string, mode uint32) error {
	hp := o.hostFullPath(p)
	if err := os.Mkdir(hp, os.FileMode(mode&0o7777)); err != nil {
		return fmt.Errorf("overlay: mkdir %s: %w", p, err)
	}
	return o.upsertFresh(p, mode)
}

// Mknod creates a device node, FIFO, or socket in the host folder.
func (o *Overlay) Mknod(p string, mode uint32, dev uint64) error {
	hp := o.hostFullPath(p)
	if err := unix.Mknod(hp, mode, int(dev)); err != nil {
		return fmt.Errorf("overlay: mknod %s: %w", p, err)
	}
	return o.upsertFresh(p, mode)
}

// Symlink creates target -> p in the host folder.
func (o *Overlay) Symlink(target, p string) error {
	hp := o.hostFullPath(p)
	if err := os.Symlink(target, hp); err != nil {
		return fmt.Errorf("overlay: symlink %s -> %s: %w", p, target, err)
	}
	return o.upsertFresh(p, 0o777)
}

func (o *Overlay) upsertFresh(p string, mode uint32) error {
	parent, name := splitOverlayPath(p)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.upsert(parent, name, record{
		Mtime: nullInt(time.Now().Unix()),
		Mode:  nullInt(int64(mode)),
	})
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

// CopyUp ensures p exists as a real file in the host folder, streaming
// its content from inner when it doesn't already. Returns the host path
// so the caller can open it for writing.
func (o *Overlay) CopyUp(p string) (string, error) {
	hp := o.hostFullPath(p)
	if _, err := os.Lstat(hp); err == nil {
		return hp, nil
	}

	fi, err := o.inner.Lookup(p, 0)
	if err != nil {
		return "", fmt.Errorf("overlay: copy-up %s: %w", p, err)
	}
	rs, err := o.inner.Open(fi, -1)
	if err != nil {
		return "", fmt.Errorf("overlay: copy-up open %s: %w", p, err)
	}
	defer func() {
		if c, ok := rs.(io.Closer); ok {
			c.Close()
		}
	}()

	// A half-streamed copy must never become visible at hp: an interrupted
	// copy-up would otherwise shadow the intact underlying file with a
	// truncated host one. Stream into a uniquely named sibling and rename
	// once complete.
	tmp := hp + ".copyup-" + uuid.NewString()
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(fi.Mode&0o7777))
	if err != nil {
		return "", fmt.Errorf("overlay: copy-up create %s: %w", p, err)
	}
	if _, err := io.Copy(dst, rs); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("overlay: copy-up stream %s: %w", p, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("overlay: copy-up close %s: %w", p, err)
	}
	if err := os.Rename(tmp, hp); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("overlay: copy-up finalize %s: %w", p, err)
	}
	if err := o.upsertFresh(p, fi.Mode); err != nil {
		return "", err
	}
	return hp, nil
}

// OpenWrite copy-ups p if necessary and opens the resulting host file
// for writing.
func (o *Overlay) OpenWrite(p string, truncate bool) (*os.File, error) {
	hp, err := o.CopyUp(p)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(hp, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("overlay: open for write %s: %w", p, err)
	}
	return f, nil
}

// Truncate resizes p's host file after copying it up if necessary.
func (o *Overlay) Truncate(p string, size int64) error {
	hp, err := o.CopyUp(p)
	if err != nil {
		return err
	}
	if err := os.Truncate(hp, size); err != nil {
		return fmt.Errorf("overlay: truncate %s: %w", p, err)
	}
	return o.upsertFresh(p, 0)
}

// Unlink removes p from the host folder (if present there) and either
// tombstones or drops its overlay row: a path that still exists in the
// underlying source keeps a deleted=1 row to shadow it, one that never
// did has its row removed entirely.
func (o *Overlay) Unlink(p string) error {
	hp := o.hostFullPath(p)
	if err := os.Remove(hp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("overlay: unlink %s: %w", p, err)
	}
	return o.finalizeRemoval(p)
}

// Rmdir removes the host directory at p, applying the same tombstone
// rule as Unlink.
func (o *Overlay) Rmdir(p string) error {
	hp := o.hostFullPath(p)
	if err := os.Remove(hp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("overlay: rmdir %s: %w", p, err)
	}
	return o.finalizeRemoval(p)
}

func (o *Overlay) finalizeRemoval(p string) error {
	parent, name := splitOverlayPath(p)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.existsInInner(p) {
		return o.upsert(parent, name, record{Deleted: true})
	}
	return o.deleteRow(parent, name)
}

// Rename copy-ups oldPath when needed, performs the host rename, upserts
// newPath's overlay row, and tombstones oldPath if it still has an
// underlying counterpart.
func (o *Overlay) Rename(oldPath, newPath string) error {
	if _, err := o.CopyUp(oldPath); err != nil {
		return err
	}
	oldHost := o.hostFullPath(oldPath)
	newHost := o.hostFullPath(newPath)
	if err := os.Rename(oldHost, newHost); err != nil {
		return fmt.Errorf("overlay: rename %s -> %s: %w", oldPath, newPath, err)
	}

	oldParent, oldName := splitOverlayPath(oldPath)
	newParent, newName := splitOverlayPath(newPath)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.upsert(newParent, newName, record{Mtime: nullInt(time.Now().Unix())}); err != nil {
		return err
	}
	existedBefore := o.existsInInner(oldPath)
	if existedBefore {
		return o.upsert(oldParent, oldName, record{Deleted: true})
	}
	return o.deleteRow(oldParent, oldName)
}

// Chmod writes through to the host file (best-effort, since a delegated
// entry may not have a host file yet) and always records the override.
func (o *Overlay) Chmod(p string, mode uint32) error {
	hp := o.hostFullPath(p)
	_ = os.Chmod(hp, os.FileMode(mode&0o7777))
	return o.updateRow(p, func(r *record) { r.Mode = nullInt(int64(mode)) })
}

// Chown writes through to the host file (best-effort) and records the override.
func (o *Overlay) Chown(p string, uid, gid uint32) error {
	hp := o.hostFullPath(p)
	_ = os.Chown(hp, int(uid), int(gid))
	return o.updateRow(p, func(r *record) {
		r.UID = nullInt(int64(uid))
		r.GID = nullInt(int64(gid))
	})
}

// Utimens writes through to the host file (best-effort) and records the override.
func (o *Overlay) Utimens(p string, atime, mtime time.Time) error {
	hp := o.hostFullPath(p)
	_ = os.Chtimes(hp, atime, mtime)
	return o.updateRow(p, func(r *record) { r.Mtime = nullInt(mtime.Unix()) })
}

func (o *Overlay) updateRow(p string, mutate func(*record)) error {
	parent, name := splitOverlayPath(p)
	o.mu.Lock()
	defer o.mu.Unlock()
	r, _, err := o.row(parent, name)
	if err != nil {
		return err
	}
	mutate(&r)
	return o.upsert(parent, name, r)
}
