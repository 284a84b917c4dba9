package workqueue

import (
	"context"
	"fmt"
)

// Worker identifies one worker goroutine of a queue.
type Worker struct {
	// ID is unique and increasing within the owning queue.
	ID int64
	// Name is "<queue>_<id>".
	Name string
}

func (w *Worker) String() string { return w.Name }

// QueueThreadContext holds the lifecycle hooks a queue invokes on behalf of
// its workers. It is supplied by the embedding code.
type QueueThreadContext[T any] interface {
	// Creation runs once on the worker goroutine before it takes any job.
	// A returned error is logged; the worker keeps running.
	Creation(w *Worker) error

	// RunTask runs once per dequeued job. It must start the job's task and
	// let the task eventually complete the job. A returned error fails the
	// job and stops the worker.
	RunTask(ctx context.Context, w *Worker, job *Job[T]) error

	// Destruction runs once on the worker goroutine before it exits.
	// A returned error is logged.
	Destruction(w *Worker) error

	// Shutdown runs exactly once, after every worker has exited.
	Shutdown()
}

// SimpleContext runs each job's task inline and completes the job from the
// task's return value: Finish on nil, FailWith on error. Task errors are job
// outcomes here, never worker failures. Every worker shares Payload.
type SimpleContext[T any] struct {
	Payload T
}

// Creation implements QueueThreadContext.
func (SimpleContext[T]) Creation(*Worker) error { return nil }

// RunTask implements QueueThreadContext.
func (c SimpleContext[T]) RunTask(ctx context.Context, w *Worker, job *Job[T]) error {
	if err := job.RunTask(ctx, JobContext[T]{Payload: c.Payload}); err != nil {
		job.FailWith(fmt.Errorf("%s: %w", job.Title(), err))
		return nil
	}
	job.Finish()
	return nil
}

// Destruction implements QueueThreadContext.
func (SimpleContext[T]) Destruction(*Worker) error { return nil }

// Shutdown implements QueueThreadContext.
func (SimpleContext[T]) Shutdown() {}
