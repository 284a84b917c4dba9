package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// payloadContext gives every worker its own payload.
type payloadContext[P any] struct {
	factory PayloadFactory[P]
	logger  core.Logger

	mu       sync.Mutex
	payloads map[int64]P
}

func (c *payloadContext[P]) Creation(w *workqueue.Worker) error {
	c.logger.Debugf("%s: creating payload", w)
	payload, err := c.factory.Create(w)
	if err != nil {
		return fmt.Errorf("create payload: %w", err)
	}
	c.mu.Lock()
	c.payloads[w.ID] = payload
	c.mu.Unlock()
	return nil
}

func (c *payloadContext[P]) RunTask(ctx context.Context, w *workqueue.Worker, job *workqueue.Job[P]) error {
	c.mu.Lock()
	payload, ok := c.payloads[w.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", w, ErrNoPayload)
	}

	c.logger.Debugf("%s: begin executing job %s", w, job.Title())
	if err := job.RunTask(ctx, workqueue.JobContext[P]{Payload: payload}); err != nil {
		job.FailWith(err)
		return nil
	}
	job.Finish()
	c.logger.Debugf("%s: done executing job %s", w, job.Title())
	return nil
}

func (c *payloadContext[P]) Destruction(w *workqueue.Worker) error {
	c.mu.Lock()
	payload, ok := c.payloads[w.ID]
	delete(c.payloads, w.ID)
	left := len(c.payloads)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.logger.Debugf("%s: releasing payload, %d left", w, left)
	return c.factory.Release(w, payload)
}

func (c *payloadContext[P]) Shutdown() {
	c.mu.Lock()
	leftovers := c.payloads
	c.payloads = make(map[int64]P)
	c.mu.Unlock()

	if len(leftovers) == 0 {
		return
	}
	c.logger.Warnf("payload list not empty at shutdown")
	for id, payload := range leftovers {
		w := &workqueue.Worker{ID: id}
		c.logger.Warnf("worker %d: payload not released", id)
		if err := c.factory.Release(w, payload); err != nil {
			c.logger.Errorf("worker %d: releasing payload: %v", id, err)
		}
	}
}
