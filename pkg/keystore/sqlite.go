package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS
)

// SQLiteStore keeps records in a SQLite database, one row per tag. The
// record body is the same YAML document DirStore writes.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a SQLite key store. If a password is given,
// the database file is encrypted with the xts VFS.
func OpenSQLite(filename, password string) (*SQLiteStore, error) {
	query := "?_pragma=busy_timeout(5000)"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tags
			( uid TEXT PRIMARY KEY
			, status TEXT NOT NULL
			, modified INTEGER NOT NULL
			, record BLOB NOT NULL
			)`,
		`CREATE INDEX IF NOT EXISTS tags_status
			ON tags(status)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing key store password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, uid [7]byte) (*Record, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM tags WHERE uid = ?`, FormatUID(uid)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", FormatUID(uid), err)
	}
	return decodeRecord(body)
}

func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	rec.LastModified = s.now().UTC()
	body, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tags (uid, status, modified, record) VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET status = excluded.status, modified = excluded.modified, record = excluded.record`,
		rec.UIDHex(), string(rec.Status), rec.LastModified.Unix(), body)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.UIDHex(), err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM tags ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("list key store: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list key store: %w", err)
		}
		r, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }
