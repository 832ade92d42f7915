package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/seisho-ai/seisho/internal/model"
)

// SQLite is the embedded archive store for single-binary deployments.
// Timestamps are stored as RFC 3339 text in UTC, JSON columns as blobs.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database file and initializes the
// schema. Accepts a bare path, ":memory:" or a full file: DSN.
func NewSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLite, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// A single connection sidesteps writer contention entirely.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			query TEXT NOT NULL DEFAULT '',
			max_docs INTEGER NOT NULL DEFAULT 0,
			processed_docs INTEGER NOT NULL DEFAULT 0,
			total_docs INTEGER,
			current_step TEXT NOT NULL DEFAULT '',
			progress REAL NOT NULL DEFAULT 0,
			error TEXT,
			finished INTEGER NOT NULL DEFAULT 0,
			result BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at DESC);

		CREATE TABLE IF NOT EXISTS run_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			payload BLOB,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, seq);`,
	)
	if err != nil {
		return fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return nil
}

// Kind reports the backend name.
func (s *SQLite) Kind() string { return "sqlite" }

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// SaveRun upserts the run snapshot keyed by ID.
func (s *SQLite) SaveRun(ctx context.Context, run model.Run) error {
	result, err := encodeJSON(run.Result)
	if err != nil {
		return fmt.Errorf("storage: encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, query, max_docs, processed_docs, total_docs,
		                  current_step, progress, error, finished, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		  status = excluded.status,
		  processed_docs = excluded.processed_docs,
		  total_docs = excluded.total_docs,
		  current_step = excluded.current_step,
		  progress = excluded.progress,
		  error = excluded.error,
		  finished = excluded.finished,
		  result = excluded.result,
		  updated_at = excluded.updated_at`,
		run.ID.String(), string(run.Status), run.Query, run.MaxDocs, run.ProcessedDocs, nullInt(run.TotalDocs),
		run.CurrentStep, run.Progress, nullStr(run.Error), run.Finished, result,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	return nil
}

// InsertEvents appends events inside one transaction.
func (s *SQLite) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin insert events: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_events (id, run_id, stage, event_type, occurred_at, message, payload, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert events: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := encodeJSON(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("storage: encode payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID.String(), e.RunID.String(), e.Stage, string(e.Type),
			formatTime(e.Timestamp), e.Message, payload, nullStr(e.Error),
		); err != nil {
			return 0, fmt.Errorf("storage: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit insert events: %w", err)
	}
	return int64(len(events)), nil
}

// GetRun retrieves an archived run snapshot by ID.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, query, max_docs, processed_docs, total_docs,
		       current_step, progress, error, finished, result, created_at, updated_at
		FROM runs WHERE id = ?`, id.String())

	run, result, err := scanSQLiteRun(row.Scan, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, notFoundErr(id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	if len(result) > 0 {
		var res model.RunResult
		if err := json.Unmarshal(result, &res); err != nil {
			return model.Run{}, fmt.Errorf("storage: decode result: %w", err)
		}
		run.Result = &res
	}
	return run, nil
}

// EventsByRun retrieves a run's events in append order.
func (s *SQLite) EventsByRun(ctx context.Context, runID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, event_type, occurred_at, message, payload, error
		FROM run_events WHERE run_id = ?
		ORDER BY seq ASC
		LIMIT ?`, runID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: events by run: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			idStr, runStr, evType, occurred string
			payload                         []byte
			errStr                          sql.NullString
			e                               model.Event
		)
		if err := rows.Scan(&idStr, &runStr, &e.Stage, &evType, &occurred, &e.Message, &payload, &errStr); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("storage: parse event id: %w", err)
		}
		if e.RunID, err = uuid.Parse(runStr); err != nil {
			return nil, fmt.Errorf("storage: parse event run id: %w", err)
		}
		e.Type = model.EventType(evType)
		if e.Timestamp, err = parseTime(occurred); err != nil {
			return nil, fmt.Errorf("storage: parse event time: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("storage: decode payload: %w", err)
			}
		}
		if errStr.Valid && errStr.String != "" {
			v := errStr.String
			e.Error = &v
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRuns returns archived runs newest first, without result payloads.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, query, max_docs, processed_docs, total_docs,
		       current_step, progress, error, finished, created_at, updated_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, _, err := scanSQLiteRun(rows.Scan, false)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanSQLiteRun scans one runs row. withResult controls whether the
// result column is part of the select list.
func scanSQLiteRun(scan func(...any) error, withResult bool) (model.Run, []byte, error) {
	var (
		run                             model.Run
		idStr, status, created, updated string
		totalDocs                       sql.NullInt64
		errStr                          sql.NullString
		result                          []byte
	)

	dest := []any{&idStr, &status, &run.Query, &run.MaxDocs, &run.ProcessedDocs, &totalDocs,
		&run.CurrentStep, &run.Progress, &errStr, &run.Finished}
	if withResult {
		dest = append(dest, &result)
	}
	dest = append(dest, &created, &updated)

	if err := scan(dest...); err != nil {
		return model.Run{}, nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Run{}, nil, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = id
	run.Status = model.RunStatus(status)
	if totalDocs.Valid {
		v := int(totalDocs.Int64)
		run.TotalDocs = &v
	}
	if errStr.Valid && errStr.String != "" {
		v := errStr.String
		run.Error = &v
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return model.Run{}, nil, fmt.Errorf("parse created_at: %w", err)
	}
	if run.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Run{}, nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return run, result, nil
}

func encodeJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *model.RunResult:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// sqliteTimeFormat pads the fraction to fixed width so the TEXT column
// sorts chronologically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
