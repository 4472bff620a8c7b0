// Package sqlitestore implements dag.Storage on a local SQLite file, the
// same pure-Go, CGo-free driver the rest of the stack uses for durable
// state.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/descartes-run/descartes/dag"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("dag/sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			status TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dag/sqlitestore: create table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadAll(ctx context.Context) ([]*dag.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, depends_on, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("dag/sqlitestore: load all: %w", err)
	}
	defer rows.Close()

	var out []*dag.Task
	for rows.Next() {
		var t dag.Task
		var dependsOnJSON, status string
		if err := rows.Scan(&t.ID, &t.Name, &dependsOnJSON, &status); err != nil {
			return nil, fmt.Errorf("dag/sqlitestore: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("dag/sqlitestore: decode depends_on: %w", err)
		}
		t.Status = dag.Status(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) Save(ctx context.Context, t *dag.Task) error {
	dependsOnJSON, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("dag/sqlitestore: encode depends_on: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, depends_on, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, depends_on=excluded.depends_on, status=excluded.status`,
		t.ID, t.Name, string(dependsOnJSON), string(t.Status))
	if err != nil {
		return fmt.Errorf("dag/sqlitestore: save %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dag/sqlitestore: delete %s: %w", id, err)
	}
	return nil
}
