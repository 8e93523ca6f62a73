package task

import "errors"

var (
	// ErrUnknownKind is returned when a kind has not been registered.
	ErrUnknownKind = errors.New("task: unknown kind")

	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("task: kind already registered")

	// ErrNilHandler is returned when a registration carries no handler.
	ErrNilHandler = errors.New("task: nil handler")

	// ErrMissingParameter is returned when a required parameter without a
	// default is absent from a configuration's payload.
	ErrMissingParameter = errors.New("task: missing required parameter")
)
