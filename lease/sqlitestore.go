package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists leases to a local SQLite file so a restarted daemon
// can recover its lock table and immediately sweep anything stale.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed lease store at
// dbPath. A single connection is used, mirroring the rest of the stack's
// single-writer discipline for this driver.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("lease: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS leases (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			holder TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			renewals_used INTEGER NOT NULL,
			max_renewals INTEGER NOT NULL,
			status TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("lease: create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, holder, issued_at, expires_at, renewals_used, max_renewals, status
		FROM leases`)
	if err != nil {
		return nil, fmt.Errorf("lease: load all: %w", err)
	}
	defer rows.Close()

	var out []*Lease
	for rows.Next() {
		var l Lease
		var issuedAt, expiresAt int64
		var status string
		if err := rows.Scan(&l.ID, &l.Path, &l.Holder, &issuedAt, &expiresAt, &l.RenewalsUsed, &l.MaxRenewals, &status); err != nil {
			return nil, fmt.Errorf("lease: scan row: %w", err)
		}
		l.IssuedAt = time.UnixMilli(issuedAt)
		l.ExpiresAt = time.UnixMilli(expiresAt)
		l.Status = Status(status)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, l *Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (id, path, holder, issued_at, expires_at, renewals_used, max_renewals, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path, holder=excluded.holder, issued_at=excluded.issued_at,
			expires_at=excluded.expires_at, renewals_used=excluded.renewals_used,
			max_renewals=excluded.max_renewals, status=excluded.status`,
		l.ID, l.Path, l.Holder, l.IssuedAt.UnixMilli(), l.ExpiresAt.UnixMilli(), l.RenewalsUsed, l.MaxRenewals, string(l.Status))
	if err != nil {
		return fmt.Errorf("lease: save %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("lease: delete %s: %w", id, err)
	}
	return nil
}
