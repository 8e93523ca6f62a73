package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conduitapp/conduit/internal/task"
)

// Instance is one live registration in the scheduler. Its schedule id is
// "scheduled_task:{config_id}:{uuid}" and is the handle callers use to
// pause, resume, and unregister.
type Instance struct {
	ScheduleID  string         `json:"schedule_id"`
	ConfigID    int64          `json:"config_id"`
	Kind        task.Kind      `json:"kind"`
	TriggerKind ScheduleKind   `json:"trigger_kind"`
	TriggerSpec string         `json:"trigger_spec"`
	Params      map[string]any `json:"params,omitempty"`
	Labels      task.Labels    `json:"labels"`
	NextFire    time.Time      `json:"next_fire"`
	CreatedAt   time.Time      `json:"created_at"`
}

const instanceColumns = `schedule_id, config_id, kind, trigger_kind,
	trigger_spec, params, labels, next_fire, created_at`

// InstanceStore persists schedule instances so they survive restart.
type InstanceStore struct {
	pool *pgxpool.Pool
}

// NewInstanceStore creates an instance store on the shared pool.
func NewInstanceStore(pool *pgxpool.Pool) *InstanceStore {
	return &InstanceStore{pool: pool}
}

// Insert persists a new instance.
func (s *InstanceStore) Insert(ctx context.Context, inst Instance) error {
	params, err := marshalParams(inst.Params)
	if err != nil {
		return err
	}
	labels, err := json.Marshal(inst.Labels)
	if err != nil {
		return fmt.Errorf("scheduler: marshal labels: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedule_instances
			(schedule_id, config_id, kind, trigger_kind, trigger_spec,
			 params, labels, next_fire)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inst.ScheduleID, inst.ConfigID, inst.Kind, inst.TriggerKind,
		inst.TriggerSpec, params, labels, inst.NextFire.UTC())
	if err != nil {
		return fmt.Errorf("scheduler: insert instance: %w", err)
	}
	return nil
}

// Delete removes an instance; unknown ids return ErrScheduleNotFound.
func (s *InstanceStore) Delete(ctx context.Context, scheduleID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM schedule_instances WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("scheduler: delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// UpdateNextFire advances an instance's trigger time after a fire.
func (s *InstanceStore) UpdateNextFire(ctx context.Context, scheduleID string, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_instances SET next_fire = $2 WHERE schedule_id = $1`,
		scheduleID, next.UTC())
	if err != nil {
		return fmt.Errorf("scheduler: update next fire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// ListAll returns every live instance ordered by next fire time.
func (s *InstanceStore) ListAll(ctx context.Context) ([]Instance, error) {
	return s.query(ctx, `
		SELECT `+instanceColumns+`
		FROM schedule_instances
		ORDER BY next_fire`)
}

// ListByConfig returns the live instances of one configuration.
func (s *InstanceStore) ListByConfig(ctx context.Context, configID int64) ([]Instance, error) {
	return s.query(ctx, `
		SELECT `+instanceColumns+`
		FROM schedule_instances
		WHERE config_id = $1
		ORDER BY created_at`, configID)
}

// ListDue returns instances whose trigger time has passed.
func (s *InstanceStore) ListDue(ctx context.Context, now time.Time) ([]Instance, error) {
	return s.query(ctx, `
		SELECT `+instanceColumns+`
		FROM schedule_instances
		WHERE next_fire <= $1
		ORDER BY next_fire`, now.UTC())
}

func (s *InstanceStore) query(ctx context.Context, sql string, args ...any) ([]Instance, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: query instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst   Instance
		params []byte
		labels []byte
	)
	err := row.Scan(
		&inst.ScheduleID, &inst.ConfigID, &inst.Kind, &inst.TriggerKind,
		&inst.TriggerSpec, &params, &labels, &inst.NextFire, &inst.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scheduler: scan instance: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &inst.Params); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal params: %w", err)
		}
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &inst.Labels); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal labels: %w", err)
		}
	}
	return &inst, nil
}
