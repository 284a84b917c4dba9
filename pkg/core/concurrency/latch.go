package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CompletionLatch is a one-shot gate: it starts unsignaled and, once
// signaled, stays signaled forever. Any number of goroutines may wait on it.
// The gate is a closed channel, so it can also be used in select statements
// through Done.
type CompletionLatch struct {
	once      sync.Once
	done      chan struct{}
	signalled atomic.Bool
}

// NewCompletionLatch creates an unsignaled latch.
func NewCompletionLatch() *CompletionLatch {
	return &CompletionLatch{done: make(chan struct{})}
}

// Signal opens the latch and wakes every current and future waiter.
// Calling it again is a no-op.
func (l *CompletionLatch) Signal() {
	l.once.Do(func() {
		l.signalled.Store(true)
		close(l.done)
	})
}

// IsSignalled reports the current state without blocking.
func (l *CompletionLatch) IsSignalled() bool {
	return l.signalled.Load()
}

// Done returns a channel that is closed once the latch is signaled.
func (l *CompletionLatch) Done() <-chan struct{} {
	return l.done
}

// Await blocks until the latch is signaled or ctx is done. Cancellation is
// reported as ctx.Err(); a latch that is already signaled always wins.
func (l *CompletionLatch) Await(ctx context.Context) error {
	if l.IsSignalled() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		if l.IsSignalled() {
			return nil
		}
		return ctx.Err()
	}
}

// AwaitTimeout waits at most d for the latch. It returns true when the latch
// was signaled in time and false on timeout. Cancellation of ctx is reported
// as an error, as with Await.
func (l *CompletionLatch) AwaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	if l.IsSignalled() || d <= 0 {
		return l.IsSignalled(), nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-l.done:
		return true, nil
	case <-timer.C:
		return l.IsSignalled(), nil
	case <-ctx.Done():
		if l.IsSignalled() {
			return true, nil
		}
		return false, ctx.Err()
	}
}
