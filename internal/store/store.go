// Package store persists per-alert state and the append-only execution
// history. The backend is pluggable; the daemon ships a SQLite reference
// implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

// ErrNotFound signals that no state row exists for an alert name yet.
var ErrNotFound = errors.New("alert state not found")

// Store is the persistence contract the executor and CLI depend on.
type Store interface {
	// LoadState returns the state row for an alert, or ErrNotFound.
	LoadState(ctx context.Context, name string) (*alerting.State, error)
	// SaveState atomically upserts the state row.
	SaveState(ctx context.Context, state *alerting.State) error
	// AppendHistory writes one execution record. History is append-only.
	AppendHistory(ctx context.Context, rec *alerting.ExecutionRecord) error
	// RecentHistory returns records newest-first, optionally filtered by
	// alert name ("" means all alerts).
	RecentHistory(ctx context.Context, name string, limit int) ([]alerting.ExecutionRecord, error)
	// Silence suppresses notifications for an alert until the given time.
	// Idempotent; creates the state row when missing.
	Silence(ctx context.Context, name string, until time.Time) error
	// Unsilence clears a silence window. Idempotent.
	Unsilence(ctx context.Context, name string) error
	// PruneHistory removes records executed before the cutoff.
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
	// Health is a cheap liveness probe returning round-trip latency.
	Health(ctx context.Context) (time.Duration, error)
	Close() error
}
