package queue

import "errors"

var (
	// ErrPoolRequired is returned when constructing a broker without a
	// database pool.
	ErrPoolRequired = errors.New("queue: pool is required")

	// ErrRegistryRequired is returned when constructing a broker without
	// a task registry.
	ErrRegistryRequired = errors.New("queue: registry is required")

	// ErrAlreadyStarted is returned when starting a running broker.
	ErrAlreadyStarted = errors.New("queue: already started")

	// ErrNotStarted is returned when stopping a broker that is not running.
	ErrNotStarted = errors.New("queue: not started")

	// ErrResultNotFound is returned when no result exists for an
	// invocation id, or its TTL has expired.
	ErrResultNotFound = errors.New("queue: result not found")

	// ErrHealthcheckFailed is returned when the broker health check fails.
	ErrHealthcheckFailed = errors.New("queue: healthcheck failed")
)
