// Package overlay implements the copy-on-write layer: a host directory
// paired with a sidecar database recording creations, deletions,
// renames, and metadata overrides above an otherwise read-only mount
// source. The host side reuses mountsource.FolderSource for stat, read,
// and xattr plumbing.
package overlay

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/mountsource"
)

// sidecarName is the fixed relative path of the overlay's metadata
// database inside the overlay directory.
const sidecarName = ".ratarmount.overlay.sqlite"

// hiddenNames are the sidecar database and SQLite's own temp-file
// siblings, which must never be exposed as regular entries.
var hiddenNames = map[string]bool{
	sidecarName:              true,
	sidecarName + "-journal": true,
	sidecarName + "-wal":     true,
	sidecarName + "-shm":     true,
}

// isHiddenName also covers in-flight copy-up temp files (write.go), which
// a crashed mount can leave behind in the host folder.
func isHiddenName(name string) bool {
	return hiddenNames[name] || strings.Contains(name, ".copyup-")
}

// overlayToken marks a FileInfo as resolved to a real file living in the
// overlay's host folder, as opposed to one delegated straight through to
// inner. Only Lookup pushes this; a delegated lookup's FileInfo keeps
// inner's own token stack untouched, so Open/Read on it forward to inner
// unchanged (the same Peek-before-Pop discipline automount.go uses).
type overlayToken struct {
	hostPath string
}

func (overlayToken) Layer() string { return "overlay" }

// record is one row of the sidecar's files table, the path split into
// parent+name to match an indexed primary key.
type record struct {
	Mtime   sql.NullInt64
	Mode    sql.NullInt64
	UID     sql.NullInt64
	GID     sql.NullInt64
	Deleted bool
}

// Overlay layers copy-on-write semantics above inner. It satisfies
// mountsource.Source for the read path; its additional write methods
// (Create, Mkdir, Unlink, etc.) are called directly by pkg/fuseadapter,
// since they have no equivalent in the read-only Source contract.
type Overlay struct {
	dir   string
	host  *mountsource.FolderSource
	inner mountsource.Source

	mu sync.Mutex
	db *sql.DB
}

// New opens or creates the sidecar database under dir and wraps inner.
// The SQLite connection is single-writer with isolation level NONE
// (auto-commit) and an exclusive lock; there is exactly one FUSE thread
// driving writes.
func New(dir string, inner mountsource.Source) (*Overlay, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: mkdir %s: %w", dir, err)
	}
	host, err := mountsource.NewFolderSource(dir)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, sidecarName))
	if err != nil {
		return nil, fmt.Errorf("overlay: open sidecar: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA locking_mode = EXCLUSIVE`); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay: set locking mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS files (
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		mtime INTEGER,
		mode INTEGER,
		uid INTEGER,
		gid INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY(path, name)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay: create schema: %w", err)
	}
	return &Overlay{dir: dir, host: host, inner: inner, db: db}, nil
}

func (o *Overlay) Close() error {
	err := o.db.Close()
	if o.inner != nil {
		if ierr := o.inner.Close(); err == nil {
			err = ierr
		}
	}
	return err
}

// row fetches the overlay record for (parent, name), if any.
func (o *Overlay) row(parent, name string) (record, bool, error) {
	var r record
	row := o.db.QueryRow(`SELECT mtime, mode, uid, gid, deleted FROM files WHERE path = ? AND name = ?`, parent, name)
	var deleted int64
	err := row.Scan(&r.Mtime, &r.Mode, &r.UID, &r.GID, &deleted)
	if err == sql.ErrNoRows {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("overlay: query row %s/%s: %w", parent, name, err)
	}
	r.Deleted = deleted != 0
	return r, true, nil
}

func (o *Overlay) upsert(parent, name string, r record) error {
	_, err := o.db.Exec(`INSERT INTO files(path, name, mtime, mode, uid, gid, deleted) VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, name) DO UPDATE SET mtime=excluded.mtime, mode=excluded.mode, uid=excluded.uid, gid=excluded.gid, deleted=excluded.deleted`,
		parent, name, r.Mtime, r.Mode, r.UID, r.GID, boolToInt(r.Deleted))
	if err != nil {
		return fmt.Errorf("overlay: upsert %s/%s: %w", parent, name, err)
	}
	return nil
}

func (o *Overlay) deleteRow(parent, name string) error {
	_, err := o.db.Exec(`DELETE FROM files WHERE path = ? AND name = ?`, parent, name)
	if err != nil {
		return fmt.Errorf("overlay: delete row %s/%s: %w", parent, name, err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func applyOverride(fi *common.FileInfo, r record) {
	if r.Mtime.Valid {
		fi.Mtime = time.Unix(r.Mtime.Int64, 0)
	}
	if r.Mode.Valid {
		fi.Mode = uint32(r.Mode.Int64)
	}
	if r.UID.Valid {
		fi.UID = uint32(r.UID.Int64)
	}
	if r.GID.Valid {
		fi.GID = uint32(r.GID.Int64)
	}
}

// Lookup applies the overlay's three-step precedence: deleted rows
// shadow everything, a real host file wins over inner, and inner's
// result (when reached) still picks up any metadata-only overlay row.
func (o *Overlay) Lookup(p string, version int) (*common.FileInfo, error) {
	parent, name := splitOverlayPath(p)
	if isHiddenName(name) {
		return nil, common.ErrNotFound
	}

	o.mu.Lock()
	r, hasRow, err := o.row(parent, name)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hasRow && r.Deleted {
		return nil, common.ErrNotFound
	}

	fi, err := o.host.Lookup(p, 0)
	if err == nil {
		if hasRow {
			applyOverride(fi, r)
		}
		fi.Push(overlayToken{hostPath: p})
		return fi, nil
	}
	if err != common.ErrNotFound {
		return nil, err
	}

	fi, err = o.inner.Lookup(p, version)
	if err != nil {
		return nil, err
	}
	if hasRow {
		applyOverride(fi, r)
	}
	return fi, nil
}

func (o *Overlay) Versions(p string) (int, error) {
	parent, name := splitOverlayPath(p)
	o.mu.Lock()
	r, hasRow, err := o.row(parent, name)
	o.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if hasRow && r.Deleted {
		return 0, nil
	}
	if n, err := o.host.Versions(p); err == nil && n > 0 {
		return n, nil
	}
	return o.inner.Versions(p)
}

// List merges the host folder's real entries with inner's, hiding
// anything the overlay marked deleted and the sidecar's own files.
func (o *Overlay) List(p string) (map[string]*common.FileInfo, error) {
	out := make(map[string]*common.FileInfo)

	innerChildren, err := o.inner.List(p)
	if err != nil && err != common.ErrNotFound {
		return nil, err
	}
	for name, fi := range innerChildren {
		out[name] = fi
	}

	hostChildren, err := o.host.List(p)
	if err != nil && err != common.ErrNotFound {
		return nil, err
	}
	for name, fi := range hostChildren {
		if isHiddenName(name) {
			continue
		}
		out[name] = fi
	}

	o.mu.Lock()
	rows, err := o.db.Query(`SELECT name, mtime, mode, uid, gid, deleted FROM files WHERE path = ?`, p)
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("overlay: list rows %s: %w", p, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var r record
		var deleted int64
		if err := rows.Scan(&name, &r.Mtime, &r.Mode, &r.UID, &r.GID, &deleted); err != nil {
			return nil, fmt.Errorf("overlay: scan list row: %w", err)
		}
		r.Deleted = deleted != 0
		if r.Deleted {
			delete(out, name)
			continue
		}
		if fi, ok := out[name]; ok {
			applyOverride(fi, r)
		}
	}
	if len(out) == 0 && innerChildren == nil && hostChildren == nil {
		return nil, common.ErrNotFound
	}
	return out, nil
}

func (o *Overlay) ListMode(p string) (map[string]uint32, error) {
	children, err := o.List(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(children))
	for name, fi := range children {
		out[name] = fi.Mode
	}
	return out, nil
}

// route pops Overlay's own token when Lookup resolved fi to the host
// folder, leaving the wrapped FolderSource's token for it to pop in
// turn; a fi whose top token isn't ours was never routed through host,
// so it's left untouched for inner (whose own leaf still owns the rest
// of the stack). Mirrors the Peek-before-Pop discipline automount.go
// uses for the same "not every fi carries my token" situation.
func (o *Overlay) route(fi *common.FileInfo) mountsource.Source {
	if tok := fi.Peek(); tok != nil && tok.Layer() == "overlay" {
		fi.Pop()
		return o.host
	}
	return o.inner
}

func (o *Overlay) Open(fi *common.FileInfo, buffering int) (io.ReadSeeker, error) {
	return o.route(fi).Open(fi, buffering)
}

func (o *Overlay) Read(fi *common.FileInfo, size int, offset int64) ([]byte, error) {
	return o.route(fi).Read(fi, size, offset)
}

func (o *Overlay) ListXattr(fi *common.FileInfo) ([]string, error) {
	return o.route(fi).ListXattr(fi)
}

func (o *Overlay) GetXattr(fi *common.FileInfo, key string) ([]byte, bool, error) {
	return o.route(fi).GetXattr(fi, key)
}

func (o *Overlay) GetMountSource(fi *common.FileInfo) (string, mountsource.Source, *common.FileInfo, error) {
	return o.route(fi).GetMountSource(fi)
}

func (o *Overlay) StatFS() (mountsource.StatFS, error) { return o.inner.StatFS() }

func (o *Overlay) IsImmutable() bool { return false }

func splitOverlayPath(p string) (parent, name string) {
	if p == "" {
		p = "/"
	}
	p = path.Clean("/" + p)
	return path.Dir(p), path.Base(p)
}

// hostFullPath maps an overlay-relative path to its real location under dir.
func (o *Overlay) hostFullPath(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return o.dir
	}
	return filepath.Join(o.dir, filepath.FromSlash(p))
}

// existsInInner reports whether p is visible through the wrapped
// read-only source, used to decide between a tombstone row and an
// outright row deletion in Unlink/Rmdir/Rename.
func (o *Overlay) existsInInner(p string) bool {
	_, err := o.inner.Lookup(p, 0)
	return err == nil
}
