// Package store persists workflow runs and their deterministic event logs
// in an embedded libSQL database. It backs the audit log's optional sink so
// events outlive the bounded in-memory window.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/halcyonrf/txgate/internal/audit"
	"github.com/halcyonrf/txgate/pkg/schema"
)

// Store wraps a libSQL database holding runs and events.
type Store struct {
	db *sql.DB
}

// New opens a libSQL database at the given path. The path should be a file
// URI, e.g. "file:/path/to/audit.db".
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies any pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Run is one persisted workflow run.
type Run struct {
	ID          string
	Band        schema.RFBand
	DryRun      bool
	StartedAt   time.Time
	CompletedAt *time.Time
}

// CreateRun records the start of a workflow run.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, band, dry_run, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		run.ID, string(run.Band), run.DryRun, started,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	return nil
}

// CompleteRun stamps a run's completion time.
func (s *Store) CompleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET completed_at = CURRENT_TIMESTAMP WHERE id = ?`, runID,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete run: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "run %q not found", runID)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var band string
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, band, dry_run, started_at, completed_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &band, &r.DryRun, &r.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "run %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	r.Band = schema.RFBand(band)
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return r, nil
}

// Persist appends one audit entry for a run. It implements audit.Sink; the
// entry's own sequence number is stored so persisted rows stay aligned with
// the in-memory total order.
func (s *Store) Persist(ctx context.Context, runID string, entry audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, timestamp_ms, timestamp_us, event_type, state, prev_state, event, reason, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, entry.Seq, entry.TimestampMs, entry.TimestampUs,
		string(entry.EventType), string(entry.State), string(entry.PrevState),
		entry.Event, entry.Reason, entry.Data,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Events returns a run's persisted entries with seq > since, in sequence
// order.
func (s *Store) Events(ctx context.Context, runID string, since uint64) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, timestamp_ms, timestamp_us, event_type, state, prev_state, event, reason, data
		 FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var eventType, state, prevState string
		if err := rows.Scan(&e.Seq, &e.TimestampMs, &e.TimestampUs,
			&eventType, &state, &prevState, &e.Event, &e.Reason, &e.Data); err != nil {
			return nil, err
		}
		e.EventType = schema.EventKind(eventType)
		e.State = schema.WorkflowState(state)
		e.PrevState = schema.WorkflowState(prevState)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
