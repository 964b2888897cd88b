// Package index implements the persistent archive index store: the
// relational file describing every archive entry, its compressed-stream
// location, and any per-codec block-index blobs, plus the protocol that
// creates, validates, locates, and reuses it.
package index

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SchemaVersion is bumped whenever the table layout or block-index blob
// encoding changes; an index recorded under any other version is
// rejected and rebuilt.
const SchemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS files (
	path            TEXT NOT NULL,
	name            TEXT NOT NULL,
	offset          INTEGER NOT NULL,
	size            INTEGER NOT NULL,
	mtime           INTEGER NOT NULL,
	mode            INTEGER NOT NULL,
	linkname        TEXT NOT NULL DEFAULT '',
	uid             INTEGER NOT NULL DEFAULT 0,
	gid             INTEGER NOT NULL DEFAULT 0,
	type            INTEGER NOT NULL DEFAULT 0,
	is_sparse       INTEGER NOT NULL DEFAULT 0,
	payload_length  INTEGER NOT NULL DEFAULT 0,
	header_offset   INTEGER NOT NULL DEFAULT 0,
	recursion_depth INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (path, name, offset)
);
CREATE INDEX IF NOT EXISTS files_path_idx ON files(path);

CREATE TABLE IF NOT EXISTS xattr (
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	key  TEXT NOT NULL,
	value BLOB,
	PRIMARY KEY (path, name, key)
);

CREATE TABLE IF NOT EXISTS gzipindex (chunk INTEGER PRIMARY KEY, data BLOB);
CREATE TABLE IF NOT EXISTS xzindex   (chunk INTEGER PRIMARY KEY, data BLOB);
CREATE TABLE IF NOT EXISTS zstdindex (chunk INTEGER PRIMARY KEY, data BLOB);
CREATE TABLE IF NOT EXISTS bz2index  (chunk INTEGER PRIMARY KEY, data BLOB);
`

// blobDDL is executed by the builders up front (the per-codec blobs are
// staged before the entry walk begins); schemaDDL repeats it with IF NOT
// EXISTS so Commit stays idempotent.
const blobDDL = `
CREATE TABLE IF NOT EXISTS gzipindex (chunk INTEGER PRIMARY KEY, data BLOB);
CREATE TABLE IF NOT EXISTS xzindex   (chunk INTEGER PRIMARY KEY, data BLOB);
CREATE TABLE IF NOT EXISTS zstdindex (chunk INTEGER PRIMARY KEY, data BLOB);
CREATE TABLE IF NOT EXISTS bz2index  (chunk INTEGER PRIMARY KEY, data BLOB);
`

const filestmpDDL = `
CREATE TABLE IF NOT EXISTS filestmp (
	path            TEXT NOT NULL,
	name            TEXT NOT NULL,
	offset          INTEGER NOT NULL,
	size            INTEGER NOT NULL,
	mtime           INTEGER NOT NULL,
	mode            INTEGER NOT NULL,
	linkname        TEXT NOT NULL DEFAULT '',
	uid             INTEGER NOT NULL DEFAULT 0,
	gid             INTEGER NOT NULL DEFAULT 0,
	type            INTEGER NOT NULL DEFAULT 0,
	is_sparse       INTEGER NOT NULL DEFAULT 0,
	payload_length  INTEGER NOT NULL DEFAULT 0,
	header_offset   INTEGER NOT NULL DEFAULT 0,
	recursion_depth INTEGER NOT NULL DEFAULT 0
);
`

// applyBulkInsertPragmas configures the connection for the fast
// bulk-insert phase of index creation: exclusive locking, memory temp
// store, synchronous off, large page cache.
func applyBulkInsertPragmas(db *sql.DB) error {
	stmts := []string{
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA cache_size=-200000", // ~200 MiB page cache, negative = KiB units
		"PRAGMA journal_mode=MEMORY",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("index: pragma %q: %w", s, err)
		}
	}
	return nil
}
