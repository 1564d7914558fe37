package jobs

import (
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	ID int64
	// Method is the service.method the job runs.
	Method      string
	Description string
	LockKey     string
	State       State
	// StartedAt is when the job started running.
	StartedAt time.Time
	// Duration is how long the job ran (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// Hooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type Hooks struct {
	// OnJobStart is called when a job moves to RUNNING, before the handler runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a job finishes with SUCCESS.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a job finishes FAILED or ABORTED.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", logging.LogFields{
				"job_id":   ctx.ID,
				"method":   ctx.Method,
				"lock_key": ctx.LockKey,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", logging.LogFields{
				"job_id":      ctx.ID,
				"method":      ctx.Method,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"job_id":      ctx.ID,
				"method":      ctx.Method,
				"state":       string(ctx.State),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart func(method string), onFinish func(method string, state State, d time.Duration)) Hooks {
	return Hooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Method)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onFinish != nil {
				onFinish(ctx.Method, ctx.State, ctx.Duration)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onFinish != nil {
				onFinish(ctx.Method, ctx.State, ctx.Duration)
			}
		},
	}
}
