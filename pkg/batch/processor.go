// Package batch shares one work queue between several callers, each of
// which submits a batch of jobs under its own key and then waits for that
// batch alone.
//
// Every worker owns a payload (a long-lived helper process, a connection)
// created when the worker starts and released when it exits. The queue is
// created on the first Begin and shut down when the last open batch ends.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/core/failfast"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

var (
	// ErrUnknownKey is returned for a key that was never begun or has ended.
	ErrUnknownKey = errors.New("unknown batch key")

	// ErrNoPayload fails a job whose worker could not create its payload.
	ErrNoPayload = errors.New("worker has no payload")
)

// PayloadFactory creates and releases per-worker payloads.
type PayloadFactory[P any] interface {
	Create(w *workqueue.Worker) (P, error)
	Release(w *workqueue.Worker, payload P) error
}

// DefaultConfig returns the queue settings a processor uses: five workers
// per growth step, growing whenever more than two entries wait per worker.
func DefaultConfig(name string) workqueue.Config {
	return workqueue.Config{
		Name:               name,
		GrowthIncrement:    5,
		GrowthTriggerRatio: 2.0,
		MaxWorkers:         workqueue.HardMaxWorkers,
	}
}

// Processor runs batches of jobs on a shared, reference-counted queue.
type Processor[P any] struct {
	name    string
	factory PayloadFactory[P]
	cfg     workqueue.Config
	logger  core.Logger
	opts    []workqueue.Option

	mu          sync.Mutex
	queue       *workqueue.WorkQueue[P]
	refs        int
	nextKey     int
	outstanding map[int][]*workqueue.Job[P]
}

// New creates a processor. No queue or worker exists until Begin.
func New[P any](name string, factory PayloadFactory[P], cfg workqueue.Config, logger core.Logger, opts ...workqueue.Option) *Processor[P] {
	failfast.NotBlank(name, "processor name")
	failfast.NotNil(factory, "payload factory")
	if cfg.Name == "" {
		cfg.Name = name
	}
	if logger == nil {
		logger = core.NewDefaultLogger(cfg.Verbose)
	}

	return &Processor[P]{
		name:        name,
		factory:     factory,
		cfg:         cfg,
		logger:      logger,
		opts:        opts,
		outstanding: make(map[int][]*workqueue.Job[P]),
	}
}

// Name returns the processor name.
func (p *Processor[P]) Name() string { return p.name }

// Begin opens a batch and returns its key.
func (p *Processor[P]) Begin() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refs++
	p.nextKey++
	key := p.nextKey
	p.outstanding[key] = nil

	if p.queue == nil {
		tctx := &payloadContext[P]{
			factory:  p.factory,
			logger:   p.logger,
			payloads: make(map[int64]P),
		}
		opts := append([]workqueue.Option{workqueue.WithLogger(p.logger)}, p.opts...)
		p.queue = workqueue.New[P](tctx, p.cfg, opts...)
		p.logger.Debugf("%s: queue started", p.name)
	}
	return key
}

// Submit queues fn as a job of batch key. fn receives the payload of the
// worker running it; its error is the job's failure cause.
func (p *Processor[P]) Submit(key int, title string, fn func(ctx context.Context, payload P) error) (*workqueue.Job[P], error) {
	failfast.NotNil(fn, "batch task")

	job := workqueue.NewJob[P](title, func(ctx context.Context, _ *workqueue.Job[P], jc workqueue.JobContext[P]) error {
		return fn(ctx, jc.Payload)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.outstanding[key]; !ok {
		return nil, fmt.Errorf("submit %q: %w %d", title, ErrUnknownKey, key)
	}
	if err := p.queue.Push(job); err != nil {
		return nil, err
	}
	p.outstanding[key] = append(p.outstanding[key], job)
	return job, nil
}

// End waits for every job of batch key and closes the batch. Failed jobs are
// reported together, each wrapping workqueue.ErrJobFailed. When the last open
// batch ends the queue is shut down, even if waiting failed.
func (p *Processor[P]) End(ctx context.Context, key int) (err error) {
	start := time.Now()

	p.mu.Lock()
	if _, ok := p.outstanding[key]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("end: %w %d", ErrUnknownKey, key)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.outstanding, key)
		p.refs--
		var q *workqueue.WorkQueue[P]
		if p.refs == 0 {
			q, p.queue = p.queue, nil
		}
		p.mu.Unlock()

		if q != nil {
			if shutdownErr := q.ShutdownContext(ctx); shutdownErr != nil {
				err = errors.Join(err, fmt.Errorf("%s: shutdown: %w", p.name, shutdownErr))
			}
			p.logger.Debugf("%s: shutdown finished in %v", p.name, time.Since(start))
		}
	}()

	var failures []error
	for {
		jobs := p.take(key)
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			ok, waitErr := job.Await(ctx)
			if waitErr != nil {
				return fmt.Errorf("%s: waiting for %q: %w", p.name, job.Title(), waitErr)
			}
			if !ok {
				failures = append(failures, jobFailure(job))
			}
		}
	}

	p.logger.Debugf("%s: batch %d finished in %v", p.name, key, time.Since(start))
	return errors.Join(failures...)
}

// take removes and returns the jobs submitted so far under key.
func (p *Processor[P]) take(key int) []*workqueue.Job[P] {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := p.outstanding[key]
	p.outstanding[key] = nil
	return jobs
}

func jobFailure[P any](job *workqueue.Job[P]) error {
	if cause := job.Err(); cause != nil {
		return fmt.Errorf("%w: %s: %w", workqueue.ErrJobFailed, job.Title(), cause)
	}
	return fmt.Errorf("%w: %s", workqueue.ErrJobFailed, job.Title())
}

// Open returns the number of open batches.
func (p *Processor[P]) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Stats returns the statistics of the current queue, or a zero value with
// only the name set when no batch is open.
func (p *Processor[P]) Stats() workqueue.Stats {
	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()
	if q == nil {
		return workqueue.Stats{Name: p.cfg.Name, State: workqueue.StateShutdown.String()}
	}
	return q.Stats()
}
