package archive

import (
	"bytes"
	"compress/zlib"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arcmount/arcmount/pkg/common"
)

// SqlarReader walks the SQLite Archive (sqlar) convention: a single
// table named "sqlar" with columns (name, mode, mtime, sz, data), where
// data is zlib-deflated when sz != length(data) and stored verbatim
// otherwise. Reusing `modernc.org/sqlite`,
// the same pure-Go driver the archive index store (pkg/index) is built
// on, since sqlar is itself just a SQLite database.
// Each entry's Offset carries its sqlar rowid, which survives in the
// index and lets a reused index Open entries without a prior Walk.
type SqlarReader struct {
	src ByteSource
	db  *sql.DB
}

// NewSqlarReader opens src as a sqlar database. Since database/sql needs
// a DSN string rather than a byte source, the database is opened from
// localPath, the archive's file on disk. Build rejects a sqlar archive
// that has no local path; no local copy of a remote one is staged.
func NewSqlarReader(src ByteSource, localPath string) (*SqlarReader, error) {
	db, err := sql.Open("sqlite", "file:"+localPath+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("archive: open sqlar %s: %w", localPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping sqlar %s: %w", localPath, err)
	}
	return &SqlarReader{src: src, db: db}, nil
}

func (s *SqlarReader) Walk(fn func(*common.Entry) error) error {
	rows, err := s.db.Query(`SELECT rowid, name, mode, mtime, sz, length(data) FROM sqlar ORDER BY name`)
	if err != nil {
		return fmt.Errorf("archive: query sqlar: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rowid, mode, mtime, sz int64
		var dataLen sql.NullInt64
		var name string
		if err := rows.Scan(&rowid, &name, &mode, &mtime, &sz, &dataLen); err != nil {
			return fmt.Errorf("archive: scan sqlar row: %w", err)
		}
		dir, base := splitPath(name)
		typ := common.TypeRegular
		m := uint32(mode) & common.ModePerm
		switch {
		case mode&0o040000 != 0: // S_IFDIR
			typ = common.TypeDirectory
			m |= common.ModeDir
		case mode&0o120000 == 0o120000: // S_IFLNK
			typ = common.TypeSymlink
			m |= common.ModeSymlink
		}
		e := &common.Entry{
			Path:   dir,
			Name:   base,
			Type:   typ,
			Size:   sz,
			Mtime:  time.Unix(mtime, 0),
			Mode:   m,
			Offset: rowid,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Open fetches and, if necessary, zlib-inflates the row's blob. sqlar
// stores a file deflated whenever its compressed form is smaller than
// its stat size; sz == length(data) means "stored verbatim".
func (s *SqlarReader) Open(e *common.Entry) (io.ReadSeeker, error) {
	rowid := e.Offset
	var sz int64
	var data []byte
	row := s.db.QueryRow(`SELECT sz, data FROM sqlar WHERE rowid = ?`, rowid)
	if err := row.Scan(&sz, &data); err != nil {
		return nil, fmt.Errorf("archive: fetch sqlar blob rowid=%d: %w", rowid, err)
	}
	if int64(len(data)) == sz {
		return &memReadSeeker{data: data}, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: inflate sqlar blob rowid=%d: %w", rowid, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("archive: inflate sqlar blob rowid=%d: %w", rowid, err)
	}
	return &memReadSeeker{data: out}, nil
}

func (s *SqlarReader) Close() error {
	err := s.db.Close()
	if cerr := s.src.Close(); err == nil {
		err = cerr
	}
	return err
}
