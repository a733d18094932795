// Package store defines the persistence interface for the vault's audit
// trail and position snapshots. Implementations include PostgreSQL (source
// of truth), Redis (read-through cache), and in-memory (for testing).
//
// The vault engine holds authoritative state in memory; the store records
// what happened so that history survives restarts and can be served to
// clients.
package store

import (
	"context"
	"errors"

	"github.com/atmx/yield-vault/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultListLimit caps list queries that pass a non-positive limit.
const DefaultListLimit = 100

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Immutable event log ---

	// InsertEvent appends an immutable event record.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns the most recent events, newest first.
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)

	// ListEventsByAccount returns the most recent events an account took
	// part in as actor, share owner or receiver, newest first.
	ListEventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error)

	// --- Position snapshots ---

	// UpsertPosition stores the latest snapshot of a position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition returns the latest snapshot, or ErrNotFound.
	GetPosition(ctx context.Context, account string) (*model.Position, error)

	// ListPositions returns every stored snapshot.
	ListPositions(ctx context.Context) ([]model.Position, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func involves(e *model.Event, account string) bool {
	return e.Actor == account || e.Account == account || e.Receiver == account
}
