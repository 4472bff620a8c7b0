// Package pgstore implements dag.Storage on Postgres via pgx, as an
// alternative to dag/sqlitestore demonstrating that the storage contract
// of §4.7 is backend-agnostic.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/descartes-run/descartes/dag"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("dag/pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			depends_on JSONB NOT NULL,
			status TEXT NOT NULL
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dag/pgstore: create table: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) LoadAll(ctx context.Context) ([]*dag.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, depends_on, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("dag/pgstore: load all: %w", err)
	}
	defer rows.Close()

	var out []*dag.Task
	for rows.Next() {
		var t dag.Task
		var dependsOnJSON []byte
		var status string
		if err := rows.Scan(&t.ID, &t.Name, &dependsOnJSON, &status); err != nil {
			return nil, fmt.Errorf("dag/pgstore: scan: %w", err)
		}
		if err := json.Unmarshal(dependsOnJSON, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("dag/pgstore: decode depends_on: %w", err)
		}
		t.Status = dag.Status(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) Save(ctx context.Context, t *dag.Task) error {
	dependsOnJSON, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("dag/pgstore: encode depends_on: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, name, depends_on, status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, depends_on = $3, status = $4`,
		t.ID, t.Name, dependsOnJSON, string(t.Status))
	if err != nil {
		return fmt.Errorf("dag/pgstore: save %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dag/pgstore: delete %s: %w", id, err)
	}
	return nil
}
