package index

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/arcmount/arcmount/pkg/common"
)

// entryTypeCode/entryTypeFromCode translate common.EntryType to/from the
// integer stored in the files.type column.
func entryTypeCode(t common.EntryType) int64 { return int64(t) }

func entryTypeFromCode(c int64) common.EntryType { return common.EntryType(c) }

// Builder drives index creation: open a fresh exclusive temp file,
// bulk-insert into a staging table, reorder into the final table once,
// write metadata, then atomically publish.
type Builder struct {
	tmpPath   string
	finalPath string
	inMemory  bool
	db        *sql.DB
	lock      *flock.Flock
	tx        *sql.Tx
	stmt      *sql.Stmt
	batch     int
	readerCfg string
	fp        common.Fingerprint
}

// NewBuilder opens <path>.tmp in exclusive mode, guarded by an flock so
// two processes never build the same index concurrently.
func NewBuilder(path string, fp common.Fingerprint, readerConfigJSON string) (*Builder, error) {
	tmpPath := path + ".tmp"
	_ = os.Remove(tmpPath)

	lock := flock.New(tmpPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("index: lock %s: %w", tmpPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("index: %s is already being built by another process", path)
	}

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("index: open %s: %w", tmpPath, err)
	}
	db.SetMaxOpenConns(1) // single writer

	if err := applyBulkInsertPragmas(db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	if _, err := db.Exec(filestmpDDL); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("index: create filestmp: %w", err)
	}
	if _, err := db.Exec(blobDDL); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("index: create block-index tables: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("index: begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO filestmp
		(path, name, offset, size, mtime, mode, linkname, uid, gid, type, is_sparse, payload_length, header_offset, recursion_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("index: prepare insert: %w", err)
	}

	return &Builder{
		tmpPath:   tmpPath,
		finalPath: path,
		db:        db,
		lock:      lock,
		tx:        tx,
		stmt:      stmt,
		readerCfg: readerConfigJSON,
		fp:        fp,
	}, nil
}

// NewMemoryBuilder drives the same staging-table creation protocol
// against a private in-memory database, for mounts with no writable
// index location. No temp file, no flock, no final rename: call Store
// after Commit to get a handle on the finished in-memory database.
func NewMemoryBuilder(fp common.Fingerprint, readerConfigJSON string) (*Builder, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("index: open in-memory builder: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(filestmpDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create filestmp: %w", err)
	}
	if _, err := db.Exec(blobDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create block-index tables: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO filestmp
		(path, name, offset, size, mtime, mode, linkname, uid, gid, type, is_sparse, payload_length, header_offset, recursion_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("index: prepare insert: %w", err)
	}

	return &Builder{
		inMemory:  true,
		db:        db,
		tx:        tx,
		stmt:      stmt,
		readerCfg: readerConfigJSON,
		fp:        fp,
	}, nil
}

// batchSize is the bulk-insert commit granularity.
const batchSize = 1000

// InsertEntry stages one archive entry row. Rows go through filestmp so
// the final files table can be populated with one ORDER BY pass, paying
// the B-tree ordering cost once instead of per insert.
func (b *Builder) InsertEntry(e *common.Entry) error {
	if _, err := b.stmt.Exec(
		e.Path, e.Name, e.Offset, e.Size, e.Mtime.Unix(), e.Mode, e.Linkname,
		e.UID, e.GID, entryTypeCode(e.Type), boolToInt(e.IsSparse), e.PayloadLength,
		e.HeaderOffset, e.RecursionDepth,
	); err != nil {
		return fmt.Errorf("index: insert entry %s/%s: %w", e.Path, e.Name, err)
	}
	b.batch++
	if b.batch >= batchSize {
		if err := b.commitBatch(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) commitBatch() error {
	if err := b.stmt.Close(); err != nil {
		return fmt.Errorf("index: close insert stmt: %w", err)
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("index: commit batch: %w", err)
	}
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin next batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO filestmp
		(path, name, offset, size, mtime, mode, linkname, uid, gid, type, is_sparse, payload_length, header_offset, recursion_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("index: prepare next batch: %w", err)
	}
	b.tx, b.stmt, b.batch = tx, stmt, 0
	return nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// PutBlockIndexBlob stages a per-codec block-index blob into its
// gzipindex/xzindex/zstdindex/bz2index table.
func (b *Builder) PutBlockIndexBlob(table string, chunk int, data []byte) error {
	if _, err := b.tx.Exec(fmt.Sprintf("INSERT OR REPLACE INTO %s (chunk, data) VALUES (?, ?)", table), chunk, data); err != nil {
		return fmt.Errorf("index: insert %s blob: %w", table, err)
	}
	return nil
}

// Commit finishes the build: promotes filestmp into the ordered,
// composite-primary-keyed files table, writes metadata, fsyncs, and
// atomically renames the temp file into place.
func (b *Builder) Commit() error {
	if !b.inMemory {
		defer b.lock.Unlock()
		defer os.Remove(b.lock.Path())
	}

	if err := b.stmt.Close(); err != nil {
		return fmt.Errorf("index: close insert stmt: %w", err)
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("index: commit final batch: %w", err)
	}

	if _, err := b.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("index: create final tables: %w", err)
	}
	if _, err := b.db.Exec(`INSERT INTO files SELECT * FROM filestmp ORDER BY path, name`); err != nil {
		return fmt.Errorf("index: populate files: %w", err)
	}
	if _, err := b.db.Exec(`DROP TABLE filestmp`); err != nil {
		return fmt.Errorf("index: drop filestmp: %w", err)
	}

	meta := map[string]string{
		"schema_version":   strconv.Itoa(SchemaVersion),
		"fp_size":          strconv.FormatInt(b.fp.Size, 10),
		"fp_mtime":         strconv.FormatInt(b.fp.Mtime.Unix(), 10),
		"fp_hash_prefix":   fmt.Sprintf("%x", b.fp.HashPrefix),
		"reader_config":    b.readerCfg,
		"created_at":       strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range meta {
		if _, err := b.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("index: write metadata %s: %w", k, err)
		}
	}

	if b.inMemory {
		// No file behind an in-memory build: the db connection itself
		// is the finished store, kept open for Store to wrap.
		return nil
	}

	// Restore durable pragmas before the final fsync+rename, since
	// bulk-insert ran with synchronous=OFF.
	if _, err := b.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return fmt.Errorf("index: restore durability pragma: %w", err)
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("index: close builder db: %w", err)
	}

	f, err := os.OpenFile(b.tmpPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("index: reopen for fsync: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("index: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("index: close after fsync: %w", err)
	}
	if err := os.Rename(b.tmpPath, b.finalPath); err != nil {
		return fmt.Errorf("index: rename into place: %w", err)
	}
	return nil
}

// Store returns a query handle on the finished in-memory database. Valid
// only after Commit on a Builder created with NewMemoryBuilder.
func (b *Builder) Store() (*Store, error) {
	if !b.inMemory {
		return nil, fmt.Errorf("index: Store is only valid for an in-memory builder")
	}
	return &Store{db: b.db, path: ":memory:"}, nil
}

// Abort discards the in-progress build, releasing the lock and removing
// the temp file.
func (b *Builder) Abort() error {
	b.stmt.Close()
	b.tx.Rollback()
	b.db.Close()
	if b.inMemory {
		return nil
	}
	defer b.lock.Unlock()
	defer os.Remove(b.lock.Path())
	return os.Remove(b.tmpPath)
}

// Store is a read-only handle on a completed index file. One
// connection, used only from the FUSE thread.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens an existing index file read-only.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: ping %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Metadata reads one value from the metadata table.
func (s *Store) Metadata(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index: read metadata %s: %w", key, err)
	}
	return v, true, nil
}

// Validate checks an index against the current schema version, the
// archive fingerprint (mtime only when verifyMtime is set, since mtimes
// change during copies without the content changing), and the reader
// configuration it was built with.
func (s *Store) Validate(fp common.Fingerprint, readerConfigJSON string, verifyMtime bool) error {
	v, ok, err := s.Metadata("schema_version")
	if err != nil {
		return err
	}
	if !ok || v != strconv.Itoa(SchemaVersion) {
		return fmt.Errorf("%w: got %q want %d", common.ErrSchemaMismatch, v, SchemaVersion)
	}

	sizeStr, _, err := s.Metadata("fp_size")
	if err != nil {
		return err
	}
	size, _ := strconv.ParseInt(sizeStr, 10, 64)
	if size != fp.Size {
		return fmt.Errorf("%w: size %d != %d", common.ErrFingerprintDiff, size, fp.Size)
	}

	if verifyMtime {
		mtimeStr, _, err := s.Metadata("fp_mtime")
		if err != nil {
			return err
		}
		mtime, _ := strconv.ParseInt(mtimeStr, 10, 64)
		if mtime != fp.Mtime.Unix() {
			return fmt.Errorf("%w: mtime %d != %d", common.ErrFingerprintDiff, mtime, fp.Mtime.Unix())
		}
	}

	cfg, _, err := s.Metadata("reader_config")
	if err != nil {
		return err
	}
	if cfg != readerConfigJSON {
		return fmt.Errorf("%w: reader configuration differs", common.ErrInvalidIndex)
	}
	return nil
}

// Lookup fetches one (parent, name) row, newest-first, the version
// selected by an OFFSET into the descending-offset ordering. Offset 0
// is the newest; callers translate oldest-first version numbers via
// Versions.
func (s *Store) Lookup(parent, name string, offsetFromNewest int) (*common.Entry, error) {
	row := s.db.QueryRow(`
		SELECT path, name, offset, size, mtime, mode, linkname, uid, gid, type, is_sparse, payload_length, header_offset, recursion_depth
		FROM files WHERE path = ? AND name = ? ORDER BY offset DESC LIMIT 1 OFFSET ?`,
		parent, name, offsetFromNewest)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: lookup %s/%s: %w", parent, name, err)
	}
	return e, nil
}

// List returns every entry (all versions) whose parent is path.
func (s *Store) List(parent string) ([]common.Entry, error) {
	rows, err := s.db.Query(`
		SELECT path, name, offset, size, mtime, mode, linkname, uid, gid, type, is_sparse, payload_length, header_offset, recursion_depth
		FROM files WHERE path = ? ORDER BY name, offset DESC`, parent)
	if err != nil {
		return nil, fmt.Errorf("index: list %s: %w", parent, err)
	}
	defer rows.Close()

	var out []common.Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan %s: %w", parent, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Versions counts how many rows share (parent, name).
func (s *Store) Versions(parent, name string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM files WHERE path = ? AND name = ?`, parent, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: versions %s/%s: %w", parent, name, err)
	}
	return n, nil
}

// PutXattr / ListXattr / GetXattr implement the optional xattr table.
func (s *Store) PutXattr(path, name, key string, value []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO xattr (path, name, key, value) VALUES (?, ?, ?, ?)`, path, name, key, value)
	return err
}

func (s *Store) ListXattr(path, name string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM xattr WHERE path = ? AND name = ?`, path, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) GetXattr(path, name, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM xattr WHERE path = ? AND name = ? AND key = ?`, path, name, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// BlockIndexBlob reads a persisted per-codec block-index blob.
func (s *Store) BlockIndexBlob(table string, chunk int) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(fmt.Sprintf("SELECT data FROM %s WHERE chunk = ?", table), chunk).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("index: read %s chunk %d: %w", table, chunk, err)
	}
	return data, true, nil
}

// Stat reports aggregate counters for Source.StatFS: total regular-file
// count and the sum of their sizes, both cheap single-pass aggregates
// over the already-built index.
func (s *Store) Stat() (files int64, totalSize int64, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files WHERE type = 0`).Scan(&files, &totalSize)
	if err != nil {
		return 0, 0, fmt.Errorf("index: stat: %w", err)
	}
	return files, totalSize, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*common.Entry, error)    { return scanRowScanner(row) }
func scanEntryRows(rows *sql.Rows) (*common.Entry, error) { return scanRowScanner(rows) }

func scanRowScanner(r rowScanner) (*common.Entry, error) {
	var e common.Entry
	var mtimeUnix int64
	var typeCode int64
	var isSparse int64
	if err := r.Scan(&e.Path, &e.Name, &e.Offset, &e.Size, &mtimeUnix, &e.Mode, &e.Linkname,
		&e.UID, &e.GID, &typeCode, &isSparse, &e.PayloadLength, &e.HeaderOffset, &e.RecursionDepth); err != nil {
		return nil, err
	}
	e.Mtime = time.Unix(mtimeUnix, 0).UTC()
	e.Type = entryTypeFromCode(typeCode)
	e.IsSparse = isSparse != 0
	return &e, nil
}
