package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/core/concurrency"
	"github.com/fluxorio/buildqueue/pkg/core/failfast"
)

// State is the lifecycle state of a WorkQueue.
type State int32

const (
	// StateActive accepts pushes and grows the pool.
	StateActive State = iota
	// StateShuttingDown drains poison-pills and joins workers.
	StateShuttingDown
	// StateShutdown is terminal.
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type entryKind int

const (
	entryJob entryKind = iota
	entryPoison
)

// entry is one FIFO slot: a job, or a poison-pill telling one worker to exit.
type entry[T any] struct {
	kind entryKind
	job  *Job[T]
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Workers        int    `json:"workers"`
	MaxWorkers     int    `json:"max_workers"`
	Pending        int    `json:"pending"`
	Capacity       int    `json:"capacity"`
	Pushed         int64  `json:"pushed"`
	Succeeded      int64  `json:"succeeded"`
	Failed         int64  `json:"failed"`
	WorkersSpawned int64  `json:"workers_spawned"`
}

// WorkQueue is a FIFO of jobs served by a pool of worker goroutines that
// grows on demand up to Config.MaxWorkers.
//
// Each worker takes one job, hands it to the QueueThreadContext and then
// waits for the job to complete before taking the next one. The pool never
// shrinks on its own; a worker leaves only on a poison-pill, a failing
// RunTask hook, or interruption.
type WorkQueue[T any] struct {
	cfg      Config
	tctx     QueueThreadContext[T]
	logger   core.Logger
	observer Observer
	pending  concurrency.Mailbox[entry[T]]

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards state, workers and nextID. Growth decisions and worker
	// registration always happen under it.
	mu      sync.Mutex
	state   State
	workers map[int64]*Worker
	nextID  int64
	wg      sync.WaitGroup
	done    chan struct{}

	pushed    atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	spawned   atomic.Int64
}

// New creates a queue bound to tctx. No worker exists until the first Push.
func New[T any](tctx QueueThreadContext[T], cfg Config, opts ...Option) *WorkQueue[T] {
	failfast.NotNil(tctx, "queue thread context")

	cfg = cfg.normalize()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = core.NewDefaultLogger(cfg.Verbose)
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	if o.parent == nil {
		o.parent = context.Background()
	}

	ctx, cancel := context.WithCancel(o.parent)
	return &WorkQueue[T]{
		cfg:      cfg,
		tctx:     tctx,
		logger:   o.logger,
		observer: o.observer,
		pending:  concurrency.NewMailbox[entry[T]](cfg.Capacity),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[int64]*Worker),
		done:     make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *WorkQueue[T]) Name() string { return q.cfg.Name }

// Config returns the normalized configuration.
func (q *WorkQueue[T]) Config() Config { return q.cfg }

// Push appends job at the tail of the queue and then runs the growth check.
// With an unbounded queue it only fails once shutdown has begun or the
// queue was interrupted.
func (q *WorkQueue[T]) Push(job *Job[T]) error {
	if job == nil {
		return ErrNilJob
	}

	q.mu.Lock()
	if q.state != StateActive || q.ctx.Err() != nil {
		q.mu.Unlock()
		return fmt.Errorf("push %q: %w", job.Title(), ErrQueueShutdown)
	}
	if err := q.pending.Send(entry[T]{kind: entryJob, job: job}); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("push %q to %s: %w", job.Title(), q.cfg.Name, err)
	}
	pending := q.pending.Size()
	before := len(q.workers)
	q.growLocked()
	live := len(q.workers)
	q.mu.Unlock()

	q.pushed.Add(1)
	q.observer.JobPushed(q.cfg.Name, pending)
	if live != before {
		q.observer.WorkersChanged(q.cfg.Name, live)
	}
	return nil
}

// growLocked adds GrowthIncrement workers when the pool is empty or the
// pending/worker ratio exceeds the trigger, never past MaxWorkers.
func (q *WorkQueue[T]) growLocked() {
	if q.state != StateActive {
		return
	}

	live := len(q.workers)
	if live > 0 {
		ratio := q.cfg.GrowthTriggerRatio
		if ratio <= 0 {
			return
		}
		if float64(q.pending.Size())/float64(live) <= ratio {
			return
		}
	}

	if live >= q.cfg.MaxWorkers {
		q.logger.Debugf("%s: growth denied, %d workers is the maximum", q.cfg.Name, live)
		return
	}

	n := min(q.cfg.GrowthIncrement, q.cfg.MaxWorkers-live)
	for i := 0; i < n; i++ {
		q.spawnLocked()
	}
	q.logger.Debugf("%s: grew by %d to %d workers", q.cfg.Name, n, len(q.workers))
}

func (q *WorkQueue[T]) spawnLocked() {
	q.nextID++
	w := &Worker{
		ID:   q.nextID,
		Name: fmt.Sprintf("%s_%d", q.cfg.Name, q.nextID),
	}
	q.workers[w.ID] = w
	q.spawned.Add(1)
	q.wg.Add(1)
	go q.run(w)
}

// run is the body of one worker goroutine.
func (q *WorkQueue[T]) run(w *Worker) {
	defer q.wg.Done()

	if err := q.safeHook(func() error { return q.tctx.Creation(w) }); err != nil {
		q.logger.Errorf("%s: creation hook failed: %v", w.Name, err)
	}

	q.loop(w)

	if err := q.safeHook(func() error { return q.tctx.Destruction(w) }); err != nil {
		q.logger.Errorf("%s: destruction hook failed: %v", w.Name, err)
	}
	q.retire(w)
}

func (q *WorkQueue[T]) loop(w *Worker) {
	for {
		if err := q.ctx.Err(); err != nil {
			q.logger.Warnf("%s: interrupted, leaving queued work: %v", w.Name, err)
			return
		}
		e, err := q.pending.Receive(q.ctx)
		if err != nil {
			if errors.Is(err, concurrency.ErrMailboxClosed) {
				q.logger.Debugf("%s: queue closed", w.Name)
			} else {
				q.logger.Warnf("%s: interrupted while waiting for work: %v", w.Name, err)
			}
			return
		}
		q.observer.PendingChanged(q.cfg.Name, q.pending.Size())

		if e.kind == entryPoison {
			q.logger.Debugf("%s: received poison-pill, exiting", w.Name)
			return
		}
		if e.job == nil {
			q.logger.Errorf("%s: dequeued an entry without a job, exiting", w.Name)
			return
		}
		if !q.execute(w, e.job) {
			return
		}
	}
}

// execute hands job to the RunTask hook and waits for it to complete.
// It returns false when the worker must exit.
func (q *WorkQueue[T]) execute(w *Worker, job *Job[T]) bool {
	info := JobInfo{ID: job.ID(), Title: job.Title()}
	start := time.Now()
	ctx := q.observer.JobStarted(core.WithJobID(q.ctx, info.ID), q.cfg.Name, info)

	q.logger.Debugf("%s: running %s", w.Name, job.Title())
	if err := q.safeHook(func() error { return q.tctx.RunTask(ctx, w, job) }); err != nil {
		q.logger.Errorf("%s: task %q failed, worker exiting: %v", w.Name, job.Title(), err)
		job.FailWith(err)
		q.finish(ctx, info, job.succeeded(), start)
		return false
	}

	ok, err := job.Await(q.ctx)
	if err != nil {
		q.logger.Warnf("%s: interrupted while waiting for %q: %v", w.Name, job.Title(), err)
		job.FailWith(err)
		q.finish(ctx, info, job.succeeded(), start)
		return false
	}

	q.finish(ctx, info, ok, start)
	return true
}

func (q *WorkQueue[T]) finish(ctx context.Context, info JobInfo, ok bool, start time.Time) {
	if ok {
		q.succeeded.Add(1)
	} else {
		q.failed.Add(1)
	}
	q.observer.JobFinished(ctx, q.cfg.Name, info, ok, time.Since(start))
}

func (q *WorkQueue[T]) retire(w *Worker) {
	q.mu.Lock()
	delete(q.workers, w.ID)
	live := len(q.workers)
	q.mu.Unlock()

	q.logger.Debugf("%s: terminated, %d workers left", w.Name, live)
	q.observer.WorkersChanged(q.cfg.Name, live)
}

func (q *WorkQueue[T]) safeHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failfast.AsError(r)
		}
	}()
	return fn()
}

// Shutdown stops the queue gracefully: growth stops, one poison-pill per
// live worker is queued behind the pending jobs, every worker is joined and
// finally the context's Shutdown hook runs. It has no timeout; a task that
// never completes blocks it forever. Use ShutdownContext for a bound.
func (q *WorkQueue[T]) Shutdown() {
	_ = q.shutdown(context.Background())
}

// ShutdownContext is Shutdown with a deadline. When ctx expires before the
// workers are joined, the workers are interrupted, the shutdown completes,
// and ctx.Err() is returned.
func (q *WorkQueue[T]) ShutdownContext(ctx context.Context) error {
	return q.shutdown(ctx)
}

func (q *WorkQueue[T]) shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateActive {
		q.mu.Unlock()
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.state = StateShuttingDown
	live := len(q.workers)
	for i := 0; i < live; i++ {
		// Put ignores capacity and only fails on a closed mailbox, which
		// cannot happen before this point.
		_ = q.pending.Put(entry[T]{kind: entryPoison})
	}
	q.mu.Unlock()
	q.logger.Debugf("%s: shutting down %d workers", q.cfg.Name, live)

	joined := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(joined)
	}()

	var err error
	select {
	case <-joined:
	case <-ctx.Done():
		err = ctx.Err()
		q.logger.Warnf("%s: shutdown deadline reached, interrupting workers", q.cfg.Name)
		q.cancel()
		<-joined
	}

	q.pending.Close()
	q.failLeftovers()
	q.observer.PendingChanged(q.cfg.Name, q.pending.Size())

	q.mu.Lock()
	clear(q.workers)
	q.state = StateShutdown
	q.mu.Unlock()
	q.cancel()

	if hookErr := q.safeHook(func() error { q.tctx.Shutdown(); return nil }); hookErr != nil {
		q.logger.Errorf("%s: shutdown hook failed: %v", q.cfg.Name, hookErr)
	}
	close(q.done)
	q.logger.Debugf("%s: shutdown complete", q.cfg.Name)
	return err
}

// failLeftovers fails jobs no worker will ever take, so that every pushed
// job reaches a terminal state. Unconsumed poison-pills are dropped.
func (q *WorkQueue[T]) failLeftovers() {
	for {
		e, ok, err := q.pending.TryReceive()
		if err != nil || !ok {
			return
		}
		if e.kind == entryJob && e.job != nil {
			q.logger.Warnf("%s: job %q never ran before shutdown", q.cfg.Name, e.job.Title())
			e.job.FailWith(ErrQueueShutdown)
			q.failed.Add(1)
		}
	}
}

// Interrupt cancels every worker immediately. Blocked workers unwind and
// any job they were waiting on is failed. Further pushes are rejected;
// Shutdown must still be called to run the context's Shutdown hook.
func (q *WorkQueue[T]) Interrupt() {
	q.logger.Warnf("%s: interrupting workers", q.cfg.Name)
	q.cancel()
}

// Done returns a channel closed once shutdown has completed.
func (q *WorkQueue[T]) Done() <-chan struct{} {
	return q.done
}

// Size returns the number of pending entries, poison-pills included.
func (q *WorkQueue[T]) Size() int {
	return q.pending.Size()
}

// Workers returns the number of live workers.
func (q *WorkQueue[T]) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// State returns the lifecycle state.
func (q *WorkQueue[T]) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stats returns current queue statistics
func (q *WorkQueue[T]) Stats() Stats {
	q.mu.Lock()
	state := q.state
	workers := len(q.workers)
	q.mu.Unlock()

	return Stats{
		Name:           q.cfg.Name,
		State:          state.String(),
		Workers:        workers,
		MaxWorkers:     q.cfg.MaxWorkers,
		Pending:        q.pending.Size(),
		Capacity:       q.cfg.Capacity,
		Pushed:         q.pushed.Load(),
		Succeeded:      q.succeeded.Load(),
		Failed:         q.failed.Load(),
		WorkersSpawned: q.spawned.Load(),
	}
}
