package db

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Option configures the connection pool.
type Option func(*options)

type options struct {
	migrations        *embed.FS
	logger            *slog.Logger
	maxConns          int32
	minConns          int32
	healthCheckPeriod time.Duration
	maxConnIdleTime   time.Duration
	maxConnLifetime   time.Duration
	retryAttempts     int
	retryInterval     time.Duration
}

func defaultOptions() *options {
	return &options{
		maxConns:          10,
		minConns:          5,
		healthCheckPeriod: time.Minute,
		maxConnIdleTime:   10 * time.Minute,
		maxConnLifetime:   30 * time.Minute,
		retryAttempts:     3,
		retryInterval:     5 * time.Second,
	}
}

// WithMigrations runs embedded goose migrations right after the pool opens.
func WithMigrations(fs embed.FS) Option {
	return func(o *options) { o.migrations = &fs }
}

// WithLogger sets the logger used for migration output.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithMaxConns sets the maximum number of pooled connections. Default: 10.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithMinConns sets the minimum number of idle connections. Default: 5.
func WithMinConns(n int32) Option {
	return func(o *options) { o.minConns = n }
}

// WithHealthCheckPeriod sets how often pooled connections are checked.
// Default: 1 minute.
func WithHealthCheckPeriod(d time.Duration) Option {
	return func(o *options) { o.healthCheckPeriod = d }
}

// WithMaxConnIdleTime sets the maximum idle time before a connection is
// recycled. Default: 10 minutes.
func WithMaxConnIdleTime(d time.Duration) Option {
	return func(o *options) { o.maxConnIdleTime = d }
}

// WithMaxConnLifetime sets the maximum total lifetime of a connection.
// Default: 30 minutes.
func WithMaxConnLifetime(d time.Duration) Option {
	return func(o *options) { o.maxConnLifetime = d }
}

// WithRetry configures startup retry behavior. The interval grows linearly
// per attempt. Default: 3 attempts, 5 second base interval.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryInterval = interval
	}
}

// Open creates a PostgreSQL connection pool, retrying transient startup
// failures, and optionally applies embedded migrations before returning.
func Open(ctx context.Context, connString string, opts ...Option) (*pgxpool.Pool, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConfig, err)
	}

	cfg.MaxConns = o.maxConns
	cfg.MinConns = o.minConns
	cfg.HealthCheckPeriod = o.healthCheckPeriod
	cfg.MaxConnIdleTime = o.maxConnIdleTime
	cfg.MaxConnLifetime = o.maxConnLifetime

	pool, err := connect(ctx, cfg, o.retryAttempts, o.retryInterval)
	if err != nil {
		return nil, err
	}

	if o.migrations != nil {
		if err := Migrate(ctx, pool, *o.migrations, o.logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return pool, nil
}

func connect(ctx context.Context, cfg *pgxpool.Config, attempts int, interval time.Duration) (*pgxpool.Pool, error) {
	attempts = max(attempts, 1)

	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}

		if waitErr := wait(ctx, time.Duration(i+1)*interval); waitErr != nil {
			return nil, errors.Join(ErrFailedToConnect, waitErr)
		}
	}

	return nil, ErrFailedToConnect
}

func wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Healthcheck returns a readiness probe closure for the pool.
func Healthcheck(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return ErrHealthcheckFailed
		}
		if err := pool.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Shutdown returns a shutdown hook that closes the pool.
func Shutdown(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		pool.Close()
		return nil
	}
}
