package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/riverqueue/river"

	"github.com/conduitapp/conduit/internal/execution"
	"github.com/conduitapp/conduit/internal/task"
)

// invocationWorker processes every task kind by dispatching through the
// registry. It is the single River worker type in the system.
type invocationWorker struct {
	river.WorkerDefaults[invocationArgs]
	registry       *task.Registry
	exec           *execution.Service
	results        *ResultStore
	log            *slog.Logger
	handlerTimeout time.Duration
}

// Timeout gives River the per-invocation deadline from the labels, falling
// back to the broker default. Cancellation propagates into the handler
// context at every suspension point.
func (w *invocationWorker) Timeout(job *river.Job[invocationArgs]) time.Duration {
	return job.Args.Labels.Timeout(w.handlerTimeout)
}

func (w *invocationWorker) Work(ctx context.Context, job *river.Job[invocationArgs]) (err error) {
	inv, decodeErr := job.Args.invocation()
	if decodeErr != nil {
		w.finish(ctx, job, execution.StatusFailed, 0, nil, "malformed invocation payload", decodeErr.Error())
		return river.JobCancel(fmt.Errorf("queue: decode invocation: %w", decodeErr))
	}

	handler, handlerErr := w.registry.Handler(inv.Kind)
	if handlerErr != nil {
		w.finish(ctx, job, execution.StatusFailed, 0, nil, handlerErr.Error(), "")
		return river.JobCancel(handlerErr)
	}

	// At-least-once: a redelivered invocation that already reached a
	// terminal state is acknowledged without side effects.
	if w.exec != nil {
		if rec, getErr := w.exec.GetByInvocationID(ctx, inv.ID); getErr == nil && rec.Status.Terminal() {
			w.log.InfoContext(ctx, "skipping redelivered invocation with terminal record",
				slog.String("invocation_id", inv.ID.String()),
				slog.String("status", string(rec.Status)),
			)
			return nil
		}
	}

	started := time.Now()
	if w.exec != nil {
		if runErr := w.exec.MarkRunning(ctx, inv.ID, inv.Kind, inv.Labels.ConfigID, started); runErr != nil {
			w.log.WarnContext(ctx, "failed to mark invocation running",
				slog.String("invocation_id", inv.ID.String()),
				slog.Any("error", runErr),
			)
		}
	}

	w.log.DebugContext(ctx, "executing invocation",
		slog.String("invocation_id", inv.ID.String()),
		slog.String("kind", inv.Kind.String()),
		slog.Int("attempt", job.Attempt),
	)

	defer func() {
		if p := recover(); p != nil {
			duration := time.Since(started)
			msg := fmt.Sprintf("panic: %v", p)
			w.finish(ctx, job, execution.StatusFailed, duration, nil, msg, string(debug.Stack()))
			err = river.JobCancel(fmt.Errorf("queue: handler panic: %v", p))
		}
	}()

	result, handlerRunErr := handler(ctx, inv)
	duration := time.Since(started)

	if handlerRunErr != nil {
		if errors.Is(handlerRunErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.finish(ctx, job, execution.StatusTimeout, duration, nil, "deadline exceeded", "")
			return river.JobCancel(handlerRunErr)
		}

		finalAttempt := job.Attempt >= job.MaxAttempts
		if finalAttempt {
			w.finish(ctx, job, execution.StatusFailed, duration, nil, handlerRunErr.Error(), "")
		} else {
			w.log.WarnContext(ctx, "invocation attempt failed, will retry",
				slog.String("invocation_id", inv.ID.String()),
				slog.String("kind", inv.Kind.String()),
				slog.Int("attempt", job.Attempt),
				slog.Any("error", handlerRunErr),
			)
		}
		return handlerRunErr
	}

	w.finish(ctx, job, execution.StatusSuccess, duration, result, "", "")

	w.log.DebugContext(ctx, "invocation completed",
		slog.String("invocation_id", inv.ID.String()),
		slog.String("kind", inv.Kind.String()),
		slog.Duration("duration", duration),
	)
	return nil
}

// finish records the terminal outcome in both the execution service and the
// result store. Recording runs on a fresh context so a handler deadline
// does not suppress the bookkeeping writes.
func (w *invocationWorker) finish(ctx context.Context, job *river.Job[invocationArgs], status execution.Status, duration time.Duration, result any, errMsg, traceback string) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if w.exec != nil {
		if err := w.exec.MarkFinished(recordCtx, job.Args.InvocationID, status, time.Now(), duration, result, errMsg, traceback); err != nil {
			w.log.ErrorContext(recordCtx, "failed to record terminal execution",
				slog.String("invocation_id", job.Args.InvocationID.String()),
				slog.Any("error", err),
			)
		}
	}

	if w.results != nil {
		if err := w.results.Set(recordCtx, job.Args.InvocationID, status, result, errMsg); err != nil {
			w.log.WarnContext(recordCtx, "failed to store invocation result",
				slog.String("invocation_id", job.Args.InvocationID.String()),
				slog.Any("error", err),
			)
		}
	}
}
