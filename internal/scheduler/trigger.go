package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes how a configuration fires.
type ScheduleKind string

const (
	// ScheduleManual configs fire only via trigger-now.
	ScheduleManual ScheduleKind = "manual"
	// ScheduleCron configs fire on a 5-field cron expression in UTC.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleOnce configs fire once at a wall-clock timestamp.
	ScheduleOnce ScheduleKind = "once"
)

// cronParser accepts standard 5-field expressions (minute through weekday),
// evaluated with strict cron semantics.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger computes fire times for one schedule instance.
type Trigger interface {
	// Next returns the first fire time strictly after the given instant,
	// or ok=false when the trigger will never fire again.
	Next(after time.Time) (t time.Time, ok bool)
}

type cronTrigger struct {
	schedule cron.Schedule
}

func (t cronTrigger) Next(after time.Time) (time.Time, bool) {
	return t.schedule.Next(after.UTC()), true
}

type onceTrigger struct {
	at time.Time
}

func (t onceTrigger) Next(after time.Time) (time.Time, bool) {
	if t.at.After(after) {
		return t.at, true
	}
	return time.Time{}, false
}

// ParseTrigger parses a schedule spec into a Trigger. Cron expressions use
// the standard 5 fields; one-shot specs are RFC 3339 timestamps.
func ParseTrigger(kind ScheduleKind, spec string) (Trigger, error) {
	switch kind {
	case ScheduleCron:
		schedule, err := cronParser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %w", ErrInvalidTrigger, spec, err)
		}
		return cronTrigger{schedule: schedule}, nil

	case ScheduleOnce:
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %w", ErrInvalidTrigger, spec, err)
		}
		return onceTrigger{at: at.UTC()}, nil

	case ScheduleManual:
		return nil, ErrManualSchedule

	default:
		return nil, fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidTrigger, kind)
	}
}

// ValidateSpec reports whether a (kind, spec) pair parses, without building
// the trigger. Manual configs need no spec.
func ValidateSpec(kind ScheduleKind, spec string) error {
	if kind == ScheduleManual {
		return nil
	}
	_, err := ParseTrigger(kind, spec)
	if err != nil && !errors.Is(err, ErrManualSchedule) {
		return err
	}
	return nil
}
