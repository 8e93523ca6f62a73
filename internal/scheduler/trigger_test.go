package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrigger_Cron(t *testing.T) {
	t.Parallel()

	trig, err := ParseTrigger(ScheduleCron, "0 * * * *")
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)

	next, ok := trig.Next(base)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), next)

	// The fire sequence follows strict cron semantics: next(E, next(E, T)).
	next2, ok := trig.Next(next)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), next2)
}

func TestParseTrigger_Cron_FiveFieldOnly(t *testing.T) {
	t.Parallel()

	_, err := ParseTrigger(ScheduleCron, "*/30 * * * * *")
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	_, err = ParseTrigger(ScheduleCron, "not a cron")
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestParseTrigger_Cron_EvaluatesUTC(t *testing.T) {
	t.Parallel()

	trig, err := ParseTrigger(ScheduleCron, "0 12 * * *")
	require.NoError(t, err)

	// 13:30 in UTC+2 is 11:30 UTC, so the next noon-UTC fire is the same day.
	loc := time.FixedZone("UTC+2", 2*3600)
	base := time.Date(2025, 3, 1, 13, 30, 0, 0, loc)

	next, ok := trig.Next(base)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), next.UTC())
}

func TestParseTrigger_Once(t *testing.T) {
	t.Parallel()

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	trig, err := ParseTrigger(ScheduleOnce, at.Format(time.RFC3339))
	require.NoError(t, err)

	next, ok := trig.Next(time.Now())
	require.True(t, ok)
	assert.Equal(t, at, next)

	// After the timestamp the trigger is exhausted.
	_, ok = trig.Next(at.Add(time.Second))
	assert.False(t, ok)
}

func TestParseTrigger_Once_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseTrigger(ScheduleOnce, "tomorrow at noon")
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestParseTrigger_Manual(t *testing.T) {
	t.Parallel()

	_, err := ParseTrigger(ScheduleManual, "")
	assert.ErrorIs(t, err, ErrManualSchedule)
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateSpec(ScheduleManual, ""))
	assert.NoError(t, ValidateSpec(ScheduleCron, "*/5 * * * *"))
	assert.Error(t, ValidateSpec(ScheduleCron, "bogus"))
	assert.Error(t, ValidateSpec(ScheduleKind("interval"), "5s"))
}
