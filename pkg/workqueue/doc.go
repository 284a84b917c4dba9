// Package workqueue provides a FIFO job queue served by a pool of worker
// goroutines that grows on demand.
//
// A queue is bound to a QueueThreadContext whose hooks run on the worker
// goroutines: Creation when a worker starts, RunTask for every job it
// takes, Destruction when it exits, and Shutdown once after the last worker
// has been joined.
//
//	q := workqueue.New[struct{}](workqueue.SimpleContext[struct{}]{}, workqueue.Config{
//	    Name:               "build",
//	    GrowthIncrement:    2,
//	    GrowthTriggerRatio: 1.0,
//	})
//	job := workqueue.NewJob("compile", func(ctx context.Context, j *workqueue.Job[struct{}], _ workqueue.JobContext[struct{}]) error {
//	    return compile(ctx)
//	})
//	_ = q.Push(job)
//	ok, _ := job.Await(ctx)
//	q.Shutdown()
//
// # Growth
//
// Every Push runs a growth check. When the queue has no live worker, or the
// ratio of pending entries to live workers exceeds GrowthTriggerRatio, up to
// GrowthIncrement workers are added, never beyond MaxWorkers (at most
// HardMaxWorkers). The pool does not shrink by itself.
//
// # Completion
//
// A job is done when its task calls Finish or Fail, not when RunTask
// returns. A worker does not take a new job until the current one is done,
// so a task may complete its job later from another goroutine.
//
// # Failures
//
// Hook failures in Creation and Destruction are logged. A failing (or
// panicking) RunTask fails the job and stops that worker; the pool regrows
// on the next Push. Callers learn about task failures only through
// Job.Await.
package workqueue
