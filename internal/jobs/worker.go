// Package jobs is the poll loop that claims job requests from a JobSource
// and dispatches them to the registered Handler, adapted from the teacher's
// GORM-backed job_run poller with the persistence stripped out: this
// worker's job delivery mechanism is an external collaborator (spec.md §1),
// so JobSource is an interface the real host integration substitutes.
package jobs

import (
	"context"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/jobs/runtime"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

// JobSource delivers the next job request, or (nil, nil) when none is
// currently available.
type JobSource interface {
	Next(ctx context.Context) (*runtime.Job, error)
}

// Worker polls a JobSource on an interval and dispatches claimed jobs to
// the matching registered Handler.
type Worker struct {
	source   JobSource
	log      *logger.Logger
	registry *runtime.Registry
	notify   runtime.Notifier
	interval time.Duration
}

// NewWorker builds a poll-loop worker. notify may be nil.
func NewWorker(source JobSource, baseLog *logger.Logger, registry *runtime.Registry, notify runtime.Notifier, interval time.Duration) *Worker {
	return &Worker{
		source:   source,
		log:      baseLog.With("component", "JobWorker"),
		registry: registry,
		notify:   notify,
		interval: interval,
	}
}

// Start runs the poll loop until ctx is canceled. It does not block;
// callers that want to wait for shutdown should block on ctx.Done()
// themselves, matching the teacher's fire-and-forget Start(ctx) shape.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.pollOnce(ctx)
			}
		}
	}()
}

func (w *Worker) pollOnce(ctx context.Context) {
	job, err := w.source.Next(ctx)
	if err != nil {
		w.log.Warn("job source Next failed", "error", err)
		return
	}
	if job == nil {
		return
	}

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("no handler registered for job_type", "job_type", job.JobType, "job_id", job.JobID)
		jc := runtime.NewContext(ctx, job, w.notify, w.log)
		jc.Fail("dispatch", &missingHandlerError{JobType: job.JobType})
		return
	}

	jc := runtime.NewContext(ctx, job, w.notify, w.log)
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("job handler panic", "job_id", job.JobID, "job_type", job.JobType, "panic", r)
				jc.Fail("panic", errFromRecover(r))
			}
		}()
		if err := h.Run(jc); err != nil {
			jc.Fail(jc.Stage, err)
		}
	}()
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

func errFromRecover(v any) error {
	return &panicError{Val: v}
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }
