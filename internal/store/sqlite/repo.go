// Package sqlite implements the store.Repository against a local sqlite
// file. Used when no Postgres DSN is configured (standalone mode).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	scope_kind TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	turns      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (scope_kind, scope_id)
);
CREATE TABLE IF NOT EXISTS policy (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	raw        TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// Repo is a sqlite-backed repository.
type Repo struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the sqlite database at path.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent flushes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) LoadContext(ctx context.Context, scope bus.Scope) ([]bus.Turn, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT turns FROM contexts WHERE scope_kind = ? AND scope_id = ?`,
		string(scope.Kind), scope.ID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load context %s: %w", scope.Key(), err)
	}

	var turns []bus.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("sqlite: decode context %s: %w", scope.Key(), err)
	}
	return turns, nil
}

func (r *Repo) SaveContext(ctx context.Context, scope bus.Scope, turns []bus.Turn) error {
	raw, err := json.Marshal(turns)
	if err != nil {
		return &store.WriteError{Op: "encode context", Err: err}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO contexts (scope_kind, scope_id, turns, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope_kind, scope_id)
		 DO UPDATE SET turns = excluded.turns, updated_at = excluded.updated_at`,
		string(scope.Kind), scope.ID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return &store.WriteError{Op: "save context " + scope.Key(), Err: err}
	}
	return nil
}

func (r *Repo) LoadPolicy(ctx context.Context) (config.PermissionConfig, error) {
	var pc config.PermissionConfig
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT raw FROM policy WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pc, store.ErrNotFound
	}
	if err != nil {
		return pc, fmt.Errorf("sqlite: load policy: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return pc, fmt.Errorf("sqlite: decode policy: %w", err)
	}
	return pc, nil
}

func (r *Repo) SavePolicy(ctx context.Context, policy config.PermissionConfig) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return &store.WriteError{Op: "encode policy", Err: err}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policy (id, raw, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET raw = excluded.raw, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC(),
	)
	if err != nil {
		return &store.WriteError{Op: "save policy", Err: err}
	}
	return nil
}
