package banext

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists ban records in a single SQLite table. Times are kept
// as unix seconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite does not cope with concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS banned_clients (
			source TEXT NOT NULL PRIMARY KEY,
			ban_count INTEGER NOT NULL,
			banned_at INTEGER NOT NULL,
			till INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS banned_clients_till_idx ON banned_clients (till)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]BanRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source, ban_count, banned_at, till FROM banned_clients ORDER BY source")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BanRecord
	for rows.Next() {
		var (
			rec      BanRecord
			bannedAt int64
			till     int64
		)
		if err := rows.Scan(&rec.Source, &rec.BanCount, &bannedAt, &till); err != nil {
			return nil, err
		}
		rec.BannedAt = time.Unix(bannedAt, 0).UTC()
		rec.Till = time.Unix(till, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertMany(ctx context.Context, records []BanRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO banned_clients (source, ban_count, banned_at, till)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			ban_count = excluded.ban_count,
			banned_at = excluded.banned_at,
			till = excluded.till
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.Source == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, rec.Source, rec.BanCount, rec.BannedAt.Unix(), rec.Till.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
