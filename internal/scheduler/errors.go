package scheduler

import "errors"

var (
	// ErrScheduleNotFound is returned for operations on unknown schedule ids.
	ErrScheduleNotFound = errors.New("scheduler: schedule not found")

	// ErrConfigNotFound is returned for operations on unknown configurations.
	ErrConfigNotFound = errors.New("scheduler: config not found")

	// ErrInvalidTrigger is returned when a schedule spec does not parse.
	ErrInvalidTrigger = errors.New("scheduler: invalid trigger")

	// ErrTriggerExhausted is returned when a trigger can never fire again,
	// e.g. registering a one-shot whose timestamp already passed.
	ErrTriggerExhausted = errors.New("scheduler: trigger will never fire")

	// ErrManualSchedule is returned when registering a manual-only
	// configuration; manual configs are fired by trigger-now, not by the
	// scheduler.
	ErrManualSchedule = errors.New("scheduler: manual config has no schedule")

	// ErrAlreadyStarted is returned when starting a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrNotStarted is returned when stopping a scheduler that is not running.
	ErrNotStarted = errors.New("scheduler: not started")

	// ErrDuplicateName is returned when a configuration name is taken.
	ErrDuplicateName = errors.New("scheduler: config name already exists")
)
