// Package task is the static catalog of task kinds. Each kind maps to
// exactly one handler, one logical queue, and a parameter descriptor. The
// registry is populated once at start-up and read-only afterwards; the
// scheduler validates configurations against it and the broker dispatches
// through it.
package task
