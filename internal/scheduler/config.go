package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conduitapp/conduit/internal/task"
)

// ConfigStatus is the lifecycle state of a task configuration.
type ConfigStatus string

const (
	ConfigActive   ConfigStatus = "active"
	ConfigInactive ConfigStatus = "inactive"
	ConfigPaused   ConfigStatus = "paused"
	ConfigError    ConfigStatus = "error"
)

// Config is a persisted job specification: kind + schedule + parameters +
// execution policy. Names are unique across the deployment.
type Config struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Kind           task.Kind      `json:"kind"`
	ScheduleKind   ScheduleKind   `json:"schedule_kind"`
	ScheduleSpec   string         `json:"schedule_spec,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Priority       int            `json:"priority"`
	Status         ConfigStatus   `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Labels derives the invocation labels carried on every fire of this
// configuration.
func (c Config) Labels() task.Labels {
	return task.Labels{
		ConfigID:       c.ID,
		Kind:           c.Kind,
		Priority:       c.Priority,
		TimeoutSeconds: c.TimeoutSeconds,
		MaxRetries:     c.MaxRetries,
	}
}

const configColumns = `id, name, coalesce(description, ''), kind,
	schedule_kind, coalesce(schedule_spec, ''), params,
	max_retries, timeout_seconds, priority, status, created_at, updated_at`

// ConfigStore is the relational store for task configurations.
type ConfigStore struct {
	pool *pgxpool.Pool
}

// NewConfigStore creates a config store on the shared pool.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// Create inserts a configuration and returns it with id and timestamps set.
func (s *ConfigStore) Create(ctx context.Context, cfg Config) (*Config, error) {
	params, err := marshalParams(cfg.Params)
	if err != nil {
		return nil, err
	}

	if cfg.Status == "" {
		cfg.Status = ConfigActive
	}
	if cfg.Priority == 0 {
		cfg.Priority = 5
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO task_configs
			(name, description, kind, schedule_kind, schedule_spec, params,
			 max_retries, timeout_seconds, priority, status)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
		RETURNING `+configColumns,
		cfg.Name, cfg.Description, cfg.Kind, cfg.ScheduleKind, cfg.ScheduleSpec,
		params, cfg.MaxRetries, cfg.TimeoutSeconds, cfg.Priority, cfg.Status)

	out, err := scanConfig(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
		}
		return nil, err
	}
	return out, nil
}

// Update rewrites the mutable fields of a configuration.
func (s *ConfigStore) Update(ctx context.Context, cfg Config) (*Config, error) {
	params, err := marshalParams(cfg.Params)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE task_configs
		SET name = $2, description = NULLIF($3, ''), schedule_kind = $4,
		    schedule_spec = NULLIF($5, ''), params = $6, max_retries = $7,
		    timeout_seconds = $8, priority = $9, status = $10, updated_at = now()
		WHERE id = $1
		RETURNING `+configColumns,
		cfg.ID, cfg.Name, cfg.Description, cfg.ScheduleKind, cfg.ScheduleSpec,
		params, cfg.MaxRetries, cfg.TimeoutSeconds, cfg.Priority, cfg.Status)

	out, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, ErrConfigNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
		}
		return nil, err
	}
	return out, nil
}

// UpdateStatus flips only the lifecycle status.
func (s *ConfigStore) UpdateStatus(ctx context.Context, id int64, status ConfigStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_configs SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("scheduler: update config status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConfigNotFound
	}
	return nil
}

// Get fetches one configuration by id.
func (s *ConfigStore) Get(ctx context.Context, id int64) (*Config, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+configColumns+` FROM task_configs WHERE id = $1`, id)
	return scanConfig(row)
}

// List returns configurations, optionally filtered by status.
func (s *ConfigStore) List(ctx context.Context, status ConfigStatus) ([]Config, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+configColumns+`
		FROM task_configs
		WHERE $1 = '' OR status = $1
		ORDER BY id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("scheduler: list configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// Delete removes a configuration. Schedule instances are unregistered by
// the caller first; the relational store does not cascade into the
// scheduler's state.
func (s *ConfigStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scheduler: delete config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConfigNotFound
	}
	return nil
}

func marshalParams(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal params: %w", err)
	}
	return data, nil
}

func scanConfig(row pgx.Row) (*Config, error) {
	var (
		cfg    Config
		params []byte
	)
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Kind,
		&cfg.ScheduleKind, &cfg.ScheduleSpec, &params,
		&cfg.MaxRetries, &cfg.TimeoutSeconds, &cfg.Priority, &cfg.Status,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("scheduler: scan config: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg.Params); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal params: %w", err)
		}
	}
	return &cfg, nil
}
