package workqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/core/concurrency"
	"github.com/fluxorio/buildqueue/pkg/core/failfast"
)

// JobContext carries the per-worker payload handed to a task.
type JobContext[T any] struct {
	Payload T
}

// Task is the work wrapped by a Job. The task receives its own Job so it
// can report completion, possibly later and from another goroutine.
type Task[T any] func(ctx context.Context, job *Job[T], jc JobContext[T]) error

// Job is a titled unit of work plus its completion gate and outcome.
//
// The outcome is decided by whichever of Finish, Fail or FailWith is called
// first; later calls are ignored. The outcome is only meaningful once the
// job is done.
type Job[T any] struct {
	id    string
	title string
	task  Task[T]

	latch *concurrency.CompletionLatch
	once  sync.Once
	ok    bool
	err   error
}

// NewJob creates a job. The title must not be blank and the task must not
// be nil.
func NewJob[T any](title string, task Task[T]) *Job[T] {
	failfast.NotBlank(title, "job title")
	failfast.NotNil(task, "job task")

	return &Job[T]{
		id:    core.NewJobID(),
		title: title,
		task:  task,
		latch: concurrency.NewCompletionLatch(),
	}
}

// ID returns the job's unique identifier.
func (j *Job[T]) ID() string { return j.id }

// Title returns the job title.
func (j *Job[T]) Title() string { return j.title }

func (j *Job[T]) String() string {
	return fmt.Sprintf("Job{%s %s}", j.title, j.id)
}

// RunTask invokes the task synchronously. Errors raised by the task are
// returned to the caller untouched.
func (j *Job[T]) RunTask(ctx context.Context, jc JobContext[T]) error {
	return j.task(ctx, j, jc)
}

// Finish marks the job successful and releases every waiter.
func (j *Job[T]) Finish() {
	j.complete(true, nil)
}

// Fail marks the job failed and releases every waiter.
func (j *Job[T]) Fail() {
	j.complete(false, nil)
}

// FailWith marks the job failed, recording err as the cause.
func (j *Job[T]) FailWith(err error) {
	j.complete(false, err)
}

func (j *Job[T]) complete(ok bool, err error) {
	j.once.Do(func() {
		j.ok = ok
		j.err = err
		j.latch.Signal()
	})
}

// Await blocks until the job is done and returns true on success. If ctx is
// cancelled first, the job is left untouched and ctx.Err() is returned.
func (j *Job[T]) Await(ctx context.Context) (bool, error) {
	if err := j.latch.Await(ctx); err != nil {
		return false, err
	}
	return j.ok, nil
}

// Done returns a channel closed when the job completes.
func (j *Job[T]) Done() <-chan struct{} {
	return j.latch.Done()
}

// IsDone reports whether the job has completed.
func (j *Job[T]) IsDone() bool {
	return j.latch.IsSignalled()
}

// Err returns the failure cause recorded by FailWith, if any. It returns nil
// until the job is done.
func (j *Job[T]) Err() error {
	if !j.IsDone() {
		return nil
	}
	return j.err
}

// succeeded reads the outcome of a job that is known to be done.
func (j *Job[T]) succeeded() bool {
	if !j.IsDone() {
		return false
	}
	return j.ok
}
