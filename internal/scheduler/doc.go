// Package scheduler persists recurring and one-shot schedule instances and
// fires them onto the broker at their trigger times.
//
// The scheduler is authoritative for the set of live schedule instances; a
// task configuration (the relational record) may accumulate many instances
// over pause/resume cycles, each identified by a schedule id of the form
// "scheduled_task:{config_id}:{uuid}".
//
// Instances survive restart. On start the scheduler reloads them and
// applies the coalesce policy: a fire missed while the process was down is
// caught up at most once, and only within a 30 second grace window; older
// misses are dropped and logged as misfires. Firing never waits on handler
// completion; it only enqueues.
package scheduler
