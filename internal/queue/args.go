package queue

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/task"
)

// invocationArgs is the River job payload for every task kind. The broker
// transports {invocation_id, kind, args, kwargs, labels} verbatim to the
// worker.
type invocationArgs struct {
	InvocationID uuid.UUID       `json:"invocation_id"`
	TaskKind     task.Kind       `json:"kind"`
	Args         []int64         `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	Labels       task.Labels     `json:"labels"`
}

// Kind returns the River job kind shared by all invocations.
func (invocationArgs) Kind() string { return "conduit:task" }

// invocation decodes the wire record into the handler-facing form.
func (a invocationArgs) invocation() (task.Invocation, error) {
	inv := task.Invocation{
		ID:     a.InvocationID,
		Kind:   a.TaskKind,
		Args:   a.Args,
		Labels: a.Labels,
	}
	if len(a.Kwargs) > 0 {
		if err := json.Unmarshal(a.Kwargs, &inv.Kwargs); err != nil {
			return inv, err
		}
	}
	return inv, nil
}
