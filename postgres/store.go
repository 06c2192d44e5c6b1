// Package postgres persists run records and checkpoints in PostgreSQL.
// The store covers both the dealhunter.RunStore and dealhunter.Checkpointer
// contracts so a single database carries all durable run state.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/maphilipps/dealhunter"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	target_id           TEXT NOT NULL,
	job_type            TEXT NOT NULL,
	status              TEXT NOT NULL,
	progress            INTEGER NOT NULL DEFAULT 0,
	current_step        TEXT NOT NULL DEFAULT '',
	completed_steps     TEXT[] NOT NULL DEFAULT '{}',
	pending_steps       TEXT[] NOT NULL DEFAULT '{}',
	error_message       TEXT NOT NULL DEFAULT '',
	external_job_handle TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_target_id_idx ON runs (target_id);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id   TEXT PRIMARY KEY,
	data     JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const activeStatuses = `'pending', 'running', 'waiting_for_user'`

var (
	_ dealhunter.RunStore     = (*Store)(nil)
	_ dealhunter.Checkpointer = (*Store)(nil)
)

// Store persists run records and checkpoints in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a store over an open database handle. The caller owns the
// handle's lifecycle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db, opts...), nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, record *dealhunter.RunRecord) error {
	// Insert-unless-active in one statement so two concurrent creates for
	// the same target cannot both win.
	query := fmt.Sprintf(`
		INSERT INTO runs (id, target_id, job_type, status, progress, current_step,
			completed_steps, pending_steps, error_message, external_job_handle)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM runs WHERE target_id = $2 AND status IN (%s)
		)`, activeStatuses)
	result, err := s.db.ExecContext(ctx, query,
		record.ID, record.TargetID, record.JobType, string(record.Status),
		record.Progress, record.CurrentStep,
		pq.Array(record.CompletedSteps), pq.Array(record.PendingSteps),
		record.ErrorMessage, record.ExternalJobHandle)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if rows == 0 {
		existing, err := s.ActiveRunForTarget(ctx, record.TargetID)
		if err != nil {
			return dealhunter.ErrRunConflict
		}
		return &dealhunter.RunConflictError{RunID: existing.ID}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*dealhunter.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE id = $1`, runID)
	return scanRun(row)
}

func (s *Store) ActiveRunForTarget(ctx context.Context, targetID string) (*dealhunter.RunRecord, error) {
	query := fmt.Sprintf(selectRuns+` WHERE target_id = $1 AND status IN (%s)
		ORDER BY created_at DESC LIMIT 1`, activeStatuses)
	row := s.db.QueryRowContext(ctx, query, targetID)
	return scanRun(row)
}

func (s *Store) UpdateRun(ctx context.Context, record *dealhunter.RunRecord) error {
	// Status is owned by TransitionStatus; this updates the mutable fields
	// only, and never touches a terminal record. Progress never regresses.
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			progress = GREATEST(progress, $2),
			current_step = $3,
			completed_steps = $4,
			pending_steps = $5,
			error_message = $6,
			external_job_handle = $7,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		record.ID, record.Progress, record.CurrentStep,
		pq.Array(record.CompletedSteps), pq.Array(record.PendingSteps),
		record.ErrorMessage, record.ExternalJobHandle)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetRun(ctx, record.ID); err != nil {
			return err
		}
		return dealhunter.ErrRunConflict
	}
	return nil
}

func (s *Store) TransitionStatus(ctx context.Context, runID string, from, to dealhunter.RunStatus) (*dealhunter.RunRecord, error) {
	if !from.CanTransition(to) {
		return nil, dealhunter.ErrRunConflict
	}
	// The WHERE clause on the current status makes this a compare-and-swap:
	// of two concurrent transitions exactly one matches a row.
	row := s.db.QueryRowContext(ctx, `
		UPDATE runs SET
			status = $3,
			updated_at = now(),
			started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING `+runColumns,
		runID, string(from), string(to))
	record, err := scanRun(row)
	if errors.Is(err, dealhunter.ErrRunNotFound) {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return nil, getErr
		}
		return nil, dealhunter.ErrRunConflict
	}
	return record, err
}

func (s *Store) ListRuns(ctx context.Context, opts dealhunter.ListRunsOptions) ([]*dealhunter.RunRecord, error) {
	var conditions []string
	var args []any
	if opts.TargetID != "" {
		args = append(args, opts.TargetID)
		conditions = append(conditions, fmt.Sprintf("target_id = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	query := selectRuns
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []*dealhunter.RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Save implements dealhunter.Checkpointer.
func (s *Store) Save(ctx context.Context, checkpoint *dealhunter.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, data, saved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, saved_at = now()`,
		checkpoint.RunID, data)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements dealhunter.Checkpointer.
func (s *Store) Load(ctx context.Context, runID string) (*dealhunter.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dealhunter.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint dealhunter.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Reset implements dealhunter.Checkpointer.
func (s *Store) Reset(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	return nil
}

const runColumns = `id, target_id, job_type, status, progress, current_step,
	completed_steps, pending_steps, error_message, external_job_handle,
	created_at, updated_at, started_at, completed_at`

const selectRuns = `SELECT ` + runColumns + ` FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*dealhunter.RunRecord, error) {
	var record dealhunter.RunRecord
	var status string
	var completed, pending pq.StringArray
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&record.ID, &record.TargetID, &record.JobType, &status,
		&record.Progress, &record.CurrentStep, &completed, &pending,
		&record.ErrorMessage, &record.ExternalJobHandle,
		&record.CreatedAt, &record.UpdatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dealhunter.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	record.Status = dealhunter.RunStatus(status)
	record.CompletedSteps = []string(completed)
	record.PendingSteps = []string(pending)
	if startedAt.Valid {
		t := startedAt.Time
		record.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		record.CompletedAt = &t
	}
	return &record, nil
}
