package workqueue

import (
	"context"
	"time"
)

// JobInfo describes a job to observers.
type JobInfo struct {
	ID    string
	Title string
}

// Observer receives queue lifecycle events. Implementations must be safe
// for concurrent use and should return quickly; they run on worker and
// producer goroutines.
type Observer interface {
	// WorkersChanged reports the live worker count after it changed.
	WorkersChanged(queue string, live int)

	// JobPushed reports a successful push and the resulting pending count.
	JobPushed(queue string, pending int)

	// PendingChanged reports the pending count after a worker took an
	// entry or shutdown dropped what was left.
	PendingChanged(queue string, pending int)

	// JobStarted runs before the job is handed to RunTask. The returned
	// context is the one RunTask receives.
	JobStarted(ctx context.Context, queue string, job JobInfo) context.Context

	// JobFinished runs once the worker has seen the job complete.
	JobFinished(ctx context.Context, queue string, job JobInfo, ok bool, elapsed time.Duration)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) WorkersChanged(string, int) {}
func (NopObserver) JobPushed(string, int)      {}
func (NopObserver) PendingChanged(string, int) {}
func (NopObserver) JobStarted(ctx context.Context, _ string, _ JobInfo) context.Context {
	return ctx
}
func (NopObserver) JobFinished(context.Context, string, JobInfo, bool, time.Duration) {}

// Observers fans events out in order. JobStarted contexts are chained.
type Observers []Observer

func (obs Observers) WorkersChanged(queue string, live int) {
	for _, o := range obs {
		o.WorkersChanged(queue, live)
	}
}

func (obs Observers) JobPushed(queue string, pending int) {
	for _, o := range obs {
		o.JobPushed(queue, pending)
	}
}

func (obs Observers) PendingChanged(queue string, pending int) {
	for _, o := range obs {
		o.PendingChanged(queue, pending)
	}
}

func (obs Observers) JobStarted(ctx context.Context, queue string, job JobInfo) context.Context {
	for _, o := range obs {
		ctx = o.JobStarted(ctx, queue, job)
	}
	return ctx
}

func (obs Observers) JobFinished(ctx context.Context, queue string, job JobInfo, ok bool, elapsed time.Duration) {
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i].JobFinished(ctx, queue, job, ok, elapsed)
	}
}
