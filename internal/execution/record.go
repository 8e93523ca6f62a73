package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/task"
)

// Status is the lifecycle state of one invocation.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// Record is one row of the execution history.
type Record struct {
	ID              int64           `json:"id"`
	InvocationID    uuid.UUID       `json:"invocation_id"`
	ConfigID        *int64          `json:"config_id,omitempty"`
	Kind            task.Kind       `json:"kind"`
	Status          Status          `json:"status"`
	EnqueuedAt      *time.Time      `json:"enqueued_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorTraceback  string          `json:"error_traceback,omitempty"`
}

// Stats aggregates execution outcomes over a time window.
type Stats struct {
	Total              int64            `json:"total"`
	ByStatus           map[Status]int64 `json:"by_status"`
	ByKind             map[string]int64 `json:"by_kind"`
	SuccessRate        float64          `json:"success_rate"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
}
