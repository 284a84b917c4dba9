// Package natsbridge accepts jobs over NATS request/reply and runs them on
// a work queue. The reply is sent once the job has completed.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/core/failfast"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// JobIDHeader carries the job ID on replies.
const JobIDHeader = "Buildqueue-Job-Id"

var (
	// ErrInvalidRequest is reported for requests that cannot become a job.
	ErrInvalidRequest = errors.New("invalid job request")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("bridge not started")

	// ErrStopped is reported for requests delivered after Stop began.
	ErrStopped = errors.New("bridge stopped")
)

// Request asks for one job.
type Request struct {
	Title string   `json:"title"`
	Args  []string `json:"args,omitempty"`
}

// Reply reports the outcome of a job.
type Reply struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Handler runs a request on a worker. Its error fails the job.
type Handler func(ctx context.Context, req Request) error

// Config configures the subscription.
type Config struct {
	Subject string `yaml:"subject" json:"subject"`
	// QueueGroup load-balances requests across bridge instances. Empty
	// subscribes without a group.
	QueueGroup string `yaml:"queue_group" json:"queue_group"`
}

// Bridge subscribes to a subject and turns requests into jobs.
type Bridge struct {
	nc      *nats.Conn
	queue   *workqueue.WorkQueue[struct{}]
	cfg     Config
	handler Handler
	logger  core.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// New creates a bridge. Jobs are pushed to q, which must run them through a
// context that completes jobs from the task result, such as
// workqueue.SimpleContext.
func New(nc *nats.Conn, q *workqueue.WorkQueue[struct{}], cfg Config, handler Handler, logger core.Logger) *Bridge {
	failfast.NotNil(nc, "nats connection")
	failfast.NotNil(q, "work queue")
	failfast.NotNil(handler, "handler")
	failfast.NotBlank(cfg.Subject, "subject")
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Bridge{nc: nc, queue: q, cfg: cfg, handler: handler, logger: logger}
}

// Start subscribes to the configured subject.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	var (
		sub *nats.Subscription
		err error
	)
	if b.cfg.QueueGroup != "" {
		sub, err = b.nc.QueueSubscribe(b.cfg.Subject, b.cfg.QueueGroup, b.onMsg)
	} else {
		sub, err = b.nc.Subscribe(b.cfg.Subject, b.onMsg)
	}
	if err != nil {
		b.cancel()
		return fmt.Errorf("subscribe %s: %w", b.cfg.Subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		b.cancel()
		return fmt.Errorf("subscribe %s: %w", b.cfg.Subject, err)
	}
	b.sub = sub
	b.logger.Infof("natsbridge: accepting jobs on %s", b.cfg.Subject)
	return nil
}

// Stop unsubscribes and waits until every accepted request has been answered
// or ctx is done. Unanswered requesters time out on their side.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return ErrNotStarted
	}

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warnf("natsbridge: unsubscribe %s: %v", b.cfg.Subject, err)
	}

	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

func (b *Bridge) onMsg(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.respond(msg, Reply{Error: fmt.Sprintf("%v: %v", ErrInvalidRequest, err)}, "")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		b.respond(msg, Reply{Error: fmt.Sprintf("%v: title is required", ErrInvalidRequest)}, "")
		return
	}

	// Stop clears sub under mu before it waits, so every Add below
	// happens before that Wait or not at all.
	b.mu.Lock()
	if b.sub == nil {
		b.mu.Unlock()
		b.respond(msg, Reply{Title: req.Title, Error: ErrStopped.Error()}, "")
		return
	}
	b.pending.Add(1)
	b.mu.Unlock()

	job := workqueue.NewJob[struct{}](req.Title, func(ctx context.Context, _ *workqueue.Job[struct{}], _ workqueue.JobContext[struct{}]) error {
		return b.handler(ctx, req)
	})
	if err := b.queue.Push(job); err != nil {
		b.logger.Warnf("natsbridge: rejected %q: %v", req.Title, err)
		b.respond(msg, Reply{Title: req.Title, Error: err.Error()}, "")
		b.pending.Done()
		return
	}

	// Reply off the subscription goroutine so slow jobs don't stall delivery.
	go func() {
		defer b.pending.Done()
		ok, err := job.Await(b.ctx)
		reply := Reply{ID: job.ID(), Title: job.Title(), OK: ok}
		switch {
		case err != nil:
			reply.Error = err.Error()
		case !ok && job.Err() != nil:
			reply.Error = job.Err().Error()
		case !ok:
			reply.Error = workqueue.ErrJobFailed.Error()
		}
		b.respond(msg, reply, job.ID())
	}()
}

func (b *Bridge) respond(msg *nats.Msg, reply Reply, jobID string) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Errorf("natsbridge: encode reply: %v", err)
		return
	}
	out := &nats.Msg{Subject: msg.Reply, Data: data, Header: nats.Header{}}
	if jobID != "" {
		out.Header.Set(JobIDHeader, jobID)
	}
	if err := b.nc.PublishMsg(out); err != nil {
		b.logger.Warnf("natsbridge: reply to %q: %v", reply.Title, err)
	}
}

// DefaultSubmitTimeout bounds Submit when no timeout is given.
const DefaultSubmitTimeout = 10 * time.Minute

// Submit sends req to subject and waits for the job's reply. A job failure
// is reported in the reply, not as an error.
func Submit(ctx context.Context, nc *nats.Conn, subject string, req Request, timeout time.Duration) (Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
