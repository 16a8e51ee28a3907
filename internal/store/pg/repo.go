// Package pg implements the store.Repository against PostgreSQL.
// Schema is managed by golang-migrate; see the migrations directory.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/store"
)

// Repo is a Postgres-backed repository.
type Repo struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) LoadContext(ctx context.Context, scope bus.Scope) ([]bus.Turn, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT turns FROM contexts WHERE scope_kind = $1 AND scope_id = $2`,
		string(scope.Kind), scope.ID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: load context %s: %w", scope.Key(), err)
	}

	var turns []bus.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("pg: decode context %s: %w", scope.Key(), err)
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
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope_kind, scope_id)
		 DO UPDATE SET turns = EXCLUDED.turns, updated_at = EXCLUDED.updated_at`,
		string(scope.Kind), scope.ID, raw, time.Now().UTC(),
	)
	if err != nil {
		return &store.WriteError{Op: "save context " + scope.Key(), Err: err}
	}
	return nil
}

func (r *Repo) LoadPolicy(ctx context.Context) (config.PermissionConfig, error) {
	var (
		pc           config.PermissionConfig
		admins       []string
		overridesRaw []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT default_tier, private_tier, admins, overrides FROM policy WHERE id = 1`,
	).Scan(&pc.DefaultTier, &pc.PrivateTier, pq.Array(&admins), &overridesRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return pc, store.ErrNotFound
	}
	if err != nil {
		return pc, fmt.Errorf("pg: load policy: %w", err)
	}

	pc.Admins = admins
	if len(overridesRaw) > 0 {
		if err := json.Unmarshal(overridesRaw, &pc.Overrides); err != nil {
			return pc, fmt.Errorf("pg: decode policy overrides: %w", err)
		}
	}
	return pc, nil
}

func (r *Repo) SavePolicy(ctx context.Context, policy config.PermissionConfig) error {
	overrides, err := json.Marshal(policy.Overrides)
	if err != nil {
		return &store.WriteError{Op: "encode policy", Err: err}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policy (id, default_tier, private_tier, admins, overrides, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id)
		 DO UPDATE SET default_tier = EXCLUDED.default_tier,
		               private_tier = EXCLUDED.private_tier,
		               admins = EXCLUDED.admins,
		               overrides = EXCLUDED.overrides,
		               updated_at = EXCLUDED.updated_at`,
		policy.DefaultTier, policy.PrivateTier, pq.Array(policy.Admins), overrides, time.Now().UTC(),
	)
	if err != nil {
		return &store.WriteError{Op: "save policy", Err: err}
	}
	return nil
}
