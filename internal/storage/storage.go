// Package storage provides the durable run archive for Seisho.
//
// Two backends implement the same Store interface: PostgreSQL (via
// pgxpool, with COPY-based batch ingestion for events) and SQLite (via
// modernc.org/sqlite, for single-binary deployments). Open picks the
// backend from the DSN scheme. The archive is write-mostly: the
// in-memory registry stays the source of truth for live runs, the
// store keeps the record after the process is gone.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/seisho-ai/seisho/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// defaultEventLimit caps EventsByRun when the caller passes no limit.
const defaultEventLimit = 10000

// Store is the durable archive backend. SaveRun upserts the full run
// snapshot keyed by ID; InsertEvents appends, never updates.
type Store interface {
	// SaveRun inserts the run or replaces the stored snapshot.
	SaveRun(ctx context.Context, run model.Run) error

	// InsertEvents appends a batch of events and reports how many rows
	// were written.
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)

	// GetRun returns the archived run snapshot, ErrNotFound if absent.
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)

	// EventsByRun returns a run's events in append order. A limit <= 0
	// falls back to a high default.
	EventsByRun(ctx context.Context, runID uuid.UUID, limit int) ([]model.Event, error)

	// ListRuns returns archived runs newest first with result payloads
	// stripped.
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Kind names the backend ("postgres" or "sqlite") for health output.
	Kind() string

	Ping(ctx context.Context) error
	Close() error
}

// Open connects the archive backend selected by the DSN: postgres:// or
// postgresql:// open a PostgreSQL pool and run embedded migrations, any
// other non-empty value is treated as a SQLite DSN. An empty DSN
// returns (nil, nil), which callers treat as archiving disabled.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	if dsn == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn, logger)
	}
	return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), logger)
}

// notFoundErr wraps ErrNotFound with the missing ID for log context.
func notFoundErr(id uuid.UUID) error {
	return fmt.Errorf("%w: run %s", ErrNotFound, id)
}
