// Package execution is the relational record of every task invocation the
// system observes, independent of broker-internal state. Rows are written
// at three moments (enqueue, start of handling, completion) and terminal
// statuses are sticky: once an invocation is success, failed, or timeout,
// later writes cannot change it. This makes the execution table the single
// source of truth for what really happened.
package execution
