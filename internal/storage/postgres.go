package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/migrations"
)

// Postgres is the pgxpool-backed archive store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool, verifies connectivity and applies
// the embedded migrations.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &Postgres{pool: pool, logger: logger}
	if err := s.runMigrations(ctx, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// Kind reports the backend name.
func (s *Postgres) Kind() string { return "postgres" }

// Ping checks connectivity to the database.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// SaveRun upserts the run snapshot keyed by ID.
func (s *Postgres) SaveRun(ctx context.Context, run model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, query, max_docs, processed_docs, total_docs,
		                   current_step, progress, error, finished, result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   processed_docs = EXCLUDED.processed_docs,
		   total_docs = EXCLUDED.total_docs,
		   current_step = EXCLUDED.current_step,
		   progress = EXCLUDED.progress,
		   error = EXCLUDED.error,
		   finished = EXCLUDED.finished,
		   result = EXCLUDED.result,
		   updated_at = EXCLUDED.updated_at`,
		run.ID, string(run.Status), run.Query, run.MaxDocs, run.ProcessedDocs, run.TotalDocs,
		run.CurrentStep, run.Progress, run.Error, run.Finished, run.Result, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	return nil
}

// InsertEvents appends events using the COPY protocol for high throughput.
func (s *Postgres) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "run_id", "stage", "event_type", "occurred_at", "message", "payload", "error"}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.ID,
			e.RunID,
			e.Stage,
			string(e.Type),
			e.Timestamp,
			e.Message,
			e.Payload,
			e.Error,
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the archive
	// flush loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	copyCount, err := s.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"run_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// GetRun retrieves an archived run snapshot by ID.
func (s *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, query, max_docs, processed_docs, total_docs,
		        current_step, progress, error, finished, result, created_at, updated_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &status, &run.Query, &run.MaxDocs, &run.ProcessedDocs, &run.TotalDocs,
		&run.CurrentStep, &run.Progress, &run.Error, &run.Finished, &run.Result, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, notFoundErr(id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Status = model.RunStatus(status)
	return run, nil
}

// EventsByRun retrieves a run's events in append order. The limit caps
// rows returned; limit <= 0 falls back to defaultEventLimit.
func (s *Postgres) EventsByRun(ctx context.Context, runID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, event_type, occurred_at, message, payload, error
		 FROM run_events WHERE run_id = $1
		 ORDER BY seq ASC
		 LIMIT $2`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events by run: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var evType string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.Stage, &evType, &e.Timestamp, &e.Message, &e.Payload, &e.Error,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Type = model.EventType(evType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRuns returns archived runs newest first. Result payloads are not
// loaded; callers fetch individual runs for those.
func (s *Postgres) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, query, max_docs, processed_docs, total_docs,
		        current_step, progress, error, finished, created_at, updated_at
		 FROM runs
		 ORDER BY created_at DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		if err := rows.Scan(
			&r.ID, &status, &r.Query, &r.MaxDocs, &r.ProcessedDocs, &r.TotalDocs,
			&r.CurrentStep, &r.Progress, &r.Error, &r.Finished, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Status = model.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
