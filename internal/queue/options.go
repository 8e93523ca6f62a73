package queue

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	defaultMaxWorkers     = 100
	defaultHandlerTimeout = 5 * time.Minute
)

// Option configures the broker.
type Option func(*config)

type config struct {
	logger         *slog.Logger
	queues         map[string]int
	maxWorkers     int
	handlerTimeout time.Duration
}

func newConfig() *config {
	return &config{
		queues:         make(map[string]int),
		maxWorkers:     defaultMaxWorkers,
		handlerTimeout: defaultHandlerTimeout,
	}
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQueue configures a named queue with its worker concurrency. Queues
// named by the registry but never configured run with the default worker
// count.
func WithQueue(name string, workers int) Option {
	return func(c *config) {
		if name != "" && workers > 0 {
			c.queues[name] = workers
		}
	}
}

// WithMaxWorkers sets the worker count for the default queue. Default: 100.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// WithHandlerTimeout sets the fallback deadline for invocations whose
// labels carry no timeout. Default: 5 minutes.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}
