package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

// ErrNotFound is returned when no execution exists for an invocation id.
var ErrNotFound = errors.New("execution: record not found")

const recordColumns = `id, invocation_id, config_id, kind, status,
	enqueued_at, started_at, finished_at, duration_seconds,
	result, coalesce(error_message, ''), coalesce(error_traceback, '')`

// Service reads and writes the task_executions table.
type Service struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates an execution service on the shared pool.
func NewService(pool *pgxpool.Pool, opts ...Option) *Service {
	s := &Service{pool: pool, log: logger.NewNope()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordEnqueued inserts the queued row for a fresh invocation. Redelivered
// invocations keep their original row.
func (s *Service) RecordEnqueued(ctx context.Context, invocationID uuid.UUID, configID int64, kind task.Kind, at time.Time) error {
	var cfg *int64
	if configID != 0 {
		cfg = &configID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_executions (invocation_id, config_id, kind, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (invocation_id) DO NOTHING`,
		invocationID, cfg, kind, StatusQueued, at.UTC())
	if err != nil {
		return fmt.Errorf("execution: record enqueued: %w", err)
	}
	return nil
}

// MarkRunning transitions an invocation to running. If the enqueue record
// was dropped, a running row is inserted instead of failing. Terminal rows
// are left untouched.
func (s *Service) MarkRunning(ctx context.Context, invocationID uuid.UUID, kind task.Kind, configID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = $2, started_at = $3
		WHERE invocation_id = $1 AND status NOT IN ($4, $5, $6)`,
		invocationID, StatusRunning, at.UTC(),
		StatusSuccess, StatusFailed, StatusTimeout)
	if err != nil {
		return fmt.Errorf("execution: mark running: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Either the row is terminal (sticky, leave it) or it never existed.
	var cfg *int64
	if configID != 0 {
		cfg = &configID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_executions (invocation_id, config_id, kind, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (invocation_id) DO NOTHING`,
		invocationID, cfg, kind, StatusRunning, at.UTC())
	if err != nil {
		return fmt.Errorf("execution: mark running insert: %w", err)
	}
	return nil
}

// MarkFinished records the terminal outcome of an invocation. A prior
// terminal status wins: redeliveries cannot flip success into failure.
func (s *Service) MarkFinished(ctx context.Context, invocationID uuid.UUID, status Status, at time.Time, duration time.Duration, result any, errMsg, traceback string) error {
	if !status.Terminal() {
		return fmt.Errorf("execution: mark finished with non-terminal status %q", status)
	}

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			s.log.WarnContext(ctx, "execution result not serializable",
				slog.String("invocation_id", invocationID.String()),
				slog.Any("error", err))
			resultJSON = nil
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = $2, finished_at = $3, duration_seconds = $4,
		    result = $5, error_message = NULLIF($6, ''), error_traceback = NULLIF($7, '')
		WHERE invocation_id = $1 AND status NOT IN ($8, $9, $10)`,
		invocationID, status, at.UTC(), duration.Seconds(),
		resultJSON, errMsg, traceback,
		StatusSuccess, StatusFailed, StatusTimeout)
	if err != nil {
		return fmt.Errorf("execution: mark finished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Sticky terminal row or missing record; either way the terminal
		// outcome on disk stands.
		s.log.DebugContext(ctx, "terminal execution status preserved",
			slog.String("invocation_id", invocationID.String()),
			slog.String("status", string(status)))
	}
	return nil
}

// GetByInvocationID fetches one record.
func (s *Service) GetByInvocationID(ctx context.Context, invocationID uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM task_executions
		WHERE invocation_id = $1`,
		invocationID)
	return scanRecord(row)
}

// ListByConfig returns the newest executions of one configuration.
func (s *Service) ListByConfig(ctx context.Context, configID int64, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM task_executions
		WHERE config_id = $1
		ORDER BY started_at DESC NULLS LAST
		LIMIT $2`,
		configID, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("execution: list by config: %w", err)
	}
	return scanRecords(rows)
}

// ListRecent returns executions started within the last N hours.
func (s *Service) ListRecent(ctx context.Context, hours, limit int) ([]Record, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM task_executions
		WHERE started_at >= $1
		ORDER BY started_at DESC
		LIMIT $2`,
		since, clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("execution: list recent: %w", err)
	}
	return scanRecords(rows)
}

// ListRunning returns all currently running executions.
func (s *Service) ListRunning(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM task_executions
		WHERE status = $1
		ORDER BY started_at DESC NULLS LAST`,
		StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("execution: list running: %w", err)
	}
	return scanRecords(rows)
}

// ListFailed returns failed executions from the last N days.
func (s *Service) ListFailed(ctx context.Context, days, limit int) ([]Record, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM task_executions
		WHERE started_at >= $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT $3`,
		since, StatusFailed, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("execution: list failed: %w", err)
	}
	return scanRecords(rows)
}

// StatsGlobal aggregates all executions started within the last N days.
func (s *Service) StatsGlobal(ctx context.Context, days int) (*Stats, error) {
	return s.stats(ctx, days, 0)
}

// StatsByConfig aggregates one configuration's executions.
func (s *Service) StatsByConfig(ctx context.Context, configID int64, days int) (*Stats, error) {
	return s.stats(ctx, days, configID)
}

func (s *Service) stats(ctx context.Context, days int, configID int64) (*Stats, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.pool.Query(ctx, `
		SELECT status, kind, count(*), coalesce(avg(duration_seconds), 0)
		FROM task_executions
		WHERE started_at >= $1 AND ($2 = 0 OR config_id = $2)
		GROUP BY status, kind`,
		since, configID)
	if err != nil {
		return nil, fmt.Errorf("execution: stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		ByStatus: make(map[Status]int64),
		ByKind:   make(map[string]int64),
	}

	var weightedDuration float64
	var durationCount int64

	for rows.Next() {
		var (
			status      Status
			kind        string
			count       int64
			avgDuration float64
		)
		if err := rows.Scan(&status, &kind, &count, &avgDuration); err != nil {
			return nil, fmt.Errorf("execution: stats scan: %w", err)
		}

		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByKind[kind] += count

		if status.Terminal() {
			weightedDuration += avgDuration * float64(count)
			durationCount += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: stats rows: %w", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[StatusSuccess]) / float64(stats.Total)
	}
	if durationCount > 0 {
		stats.AvgDurationSeconds = weightedDuration / float64(durationCount)
	}

	return stats, nil
}

// CleanupOlderThan deletes terminal executions finished more than N days
// ago and returns the number of rows removed.
func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM task_executions
		WHERE finished_at < $1 AND status IN ($2, $3, $4)`,
		cutoff, StatusSuccess, StatusFailed, StatusTimeout)
	if err != nil {
		return 0, fmt.Errorf("execution: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, 1000)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.InvocationID, &r.ConfigID, &r.Kind, &r.Status,
		&r.EnqueuedAt, &r.StartedAt, &r.FinishedAt, &r.DurationSeconds,
		&r.Result, &r.ErrorMessage, &r.ErrorTraceback,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("execution: scan: %w", err)
	}
	return &r, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.InvocationID, &r.ConfigID, &r.Kind, &r.Status,
			&r.EnqueuedAt, &r.StartedAt, &r.FinishedAt, &r.DurationSeconds,
			&r.Result, &r.ErrorMessage, &r.ErrorTraceback,
		); err != nil {
			return nil, fmt.Errorf("execution: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: rows: %w", err)
	}
	return out, nil
}
