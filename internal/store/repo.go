// Package store defines the narrow repository interface the agent core
// uses for durability. Backing schemas live in the pg and sqlite
// subpackages; the core never sees SQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("store: not found")

// WriteError wraps a failed persistence write. Writes are always
// best-effort on the dispatch path: callers log and continue.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Repository is the persistence boundary for conversation contexts and the
// permission policy. Implementations must be safe for concurrent use.
type Repository interface {
	// LoadContext returns the stored turns for a scope, oldest first.
	// Returns ErrNotFound when the scope has never been flushed.
	LoadContext(ctx context.Context, scope bus.Scope) ([]bus.Turn, error)

	// SaveContext replaces the stored turns for a scope.
	SaveContext(ctx context.Context, scope bus.Scope, turns []bus.Turn) error

	// LoadPolicy returns the stored permission policy in its raw config
	// form. Returns ErrNotFound when none has been saved.
	LoadPolicy(ctx context.Context) (config.PermissionConfig, error)

	// SavePolicy stores the permission policy.
	SavePolicy(ctx context.Context, policy config.PermissionConfig) error

	Close() error
}
