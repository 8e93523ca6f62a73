// Package cache provides a small generic TTL cache behind a common
// interface, with a Redis backend for shared state (dynamic settings) and
// an in-memory backend for tests and single-process deployments.
//
// GetOrSet wraps a cache with singleflight so concurrent misses for the
// same key compute the value once, which keeps per-invocation settings
// lookups from stampeding the settings store.
package cache
