// Package queue is the durable transport between producers (HTTP surface,
// scheduler) and the worker pool. It rides on River's Postgres-native job
// queue: enqueued invocations survive restarts and are delivered
// at-least-once, with redelivery when a worker dies mid-handling.
//
// One River worker type serves every task kind, dispatching through the
// task registry. The worker records lifecycle transitions in the execution
// service, enforces the per-invocation timeout from the labels, and stores
// terminal results in the Redis-backed result store with a bounded TTL.
package queue
