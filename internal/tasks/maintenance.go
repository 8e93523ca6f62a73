package tasks

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/conduitapp/conduit/internal/execution"
	"github.com/conduitapp/conduit/internal/queue"
	"github.com/conduitapp/conduit/internal/task"
)

// cleanupExecutionsHandler prunes terminal execution rows older than the
// configured number of days.
func cleanupExecutionsHandler(exec *execution.Service) task.Handler {
	return func(ctx context.Context, inv task.Invocation) (any, error) {
		days := intParam(inv.Kwargs, "days", 30)
		deleted, err := exec.CleanupOlderThan(ctx, days)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows_deleted": deleted, "days": days}, nil
	}
}

// cleanupResultsHandler sweeps the result store. TTLs already expire
// entries; this reclaims everything at once on operator demand.
func cleanupResultsHandler(results *queue.ResultStore) task.Handler {
	return func(ctx context.Context, inv task.Invocation) (any, error) {
		removed, err := results.Purge(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results_removed": removed}, nil
	}
}

// healthProbeHandler pings the shared stores and reports per-dependency
// status. It always succeeds so the execution history shows the outcome.
func healthProbeHandler(pool *pgxpool.Pool, client redis.UniversalClient) task.Handler {
	return func(ctx context.Context, inv task.Invocation) (any, error) {
		status := map[string]any{}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				status["postgres"] = err.Error()
			} else {
				status["postgres"] = "ok"
			}
		}
		if client != nil {
			if err := client.Ping(ctx).Err(); err != nil {
				status["redis"] = err.Error()
			} else {
				status["redis"] = "ok"
			}
		}

		return status, nil
	}
}

// intParam reads a numeric kwarg that may arrive as float64 (JSON) or int.
func intParam(kwargs map[string]any, name string, fallback int) int {
	switch v := kwargs[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
