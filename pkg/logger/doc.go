// Package logger builds the structured loggers used across the platform.
//
// The base logger is a JSON slog handler on stdout. When a Sentry DSN is
// configured, warnings and errors are additionally forwarded to Sentry
// through a fan-out handler. Context extractors pull request-scoped
// attributes (invocation id, request id, conversation id) into every record
// without the call sites having to repeat them.
package logger
