package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Labels carries routing and policy metadata alongside an invocation. The
// broker preserves labels verbatim on the wire.
type Labels struct {
	ConfigID       int64  `json:"config_id,omitempty"`
	Kind           Kind   `json:"kind"`
	ScheduleID     string `json:"schedule_id,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// Timeout returns the handler deadline, or the fallback when unset.
func (l Labels) Timeout(fallback time.Duration) time.Duration {
	if l.TimeoutSeconds > 0 {
		return time.Duration(l.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Invocation is a single fire of a task kind with concrete arguments.
// Delivery is at-least-once; handlers are expected to be idempotent on
// their own business key.
type Invocation struct {
	ID     uuid.UUID      `json:"invocation_id"`
	Kind   Kind           `json:"kind"`
	Args   []int64        `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Labels Labels         `json:"labels"`
}

// ConfigID returns the originating configuration id, preferring the label
// over positional args, or zero for ad-hoc invocations.
func (inv Invocation) ConfigID() int64 {
	if inv.Labels.ConfigID != 0 {
		return inv.Labels.ConfigID
	}
	if len(inv.Args) > 0 {
		return inv.Args[0]
	}
	return 0
}

// Handler executes one invocation. The returned value, if any, is stored in
// the result store and recorded with the execution.
type Handler func(ctx context.Context, inv Invocation) (any, error)
