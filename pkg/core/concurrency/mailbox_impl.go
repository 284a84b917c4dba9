package concurrency

import (
	"context"
	"sync"
)

// fifoMailbox implements Mailbox with a slice guarded by a mutex.
// Receivers park on wake, which is closed and replaced on every enqueue.
type fifoMailbox[M any] struct {
	mu       sync.Mutex
	items    []M
	wake     chan struct{}
	closed   bool
	capacity int
}

// NewMailbox creates a mailbox. A capacity of zero or less means unbounded.
func NewMailbox[M any](capacity int) Mailbox[M] {
	if capacity < 0 {
		capacity = 0
	}
	return &fifoMailbox[M]{
		wake:     make(chan struct{}),
		capacity: capacity,
	}
}

// Send implements Mailbox interface
func (mb *fifoMailbox[M]) Send(msg M) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return ErrMailboxClosed
	}
	if mb.capacity > 0 && len(mb.items) >= mb.capacity {
		return ErrMailboxFull
	}
	mb.enqueueLocked(msg)
	return nil
}

// Put implements Mailbox interface
func (mb *fifoMailbox[M]) Put(msg M) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return ErrMailboxClosed
	}
	mb.enqueueLocked(msg)
	return nil
}

func (mb *fifoMailbox[M]) enqueueLocked(msg M) {
	mb.items = append(mb.items, msg)
	close(mb.wake)
	mb.wake = make(chan struct{})
}

func (mb *fifoMailbox[M]) dequeueLocked() M {
	var zero M
	msg := mb.items[0]
	mb.items[0] = zero
	mb.items = mb.items[1:]
	if len(mb.items) == 0 {
		mb.items = nil
	}
	return msg
}

// Receive implements Mailbox interface
func (mb *fifoMailbox[M]) Receive(ctx context.Context) (M, error) {
	var zero M
	for {
		// A cancelled receiver takes nothing, even when messages are queued.
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		mb.mu.Lock()
		if len(mb.items) > 0 {
			msg := mb.dequeueLocked()
			mb.mu.Unlock()
			return msg, nil
		}
		if mb.closed {
			mb.mu.Unlock()
			return zero, ErrMailboxClosed
		}
		wake := mb.wake
		mb.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryReceive implements Mailbox interface
func (mb *fifoMailbox[M]) TryReceive() (M, bool, error) {
	var zero M
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if len(mb.items) > 0 {
		return mb.dequeueLocked(), true, nil
	}
	if mb.closed {
		return zero, false, ErrMailboxClosed
	}
	return zero, false, nil
}

// Close implements Mailbox interface
func (mb *fifoMailbox[M]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.wake)
	mb.wake = make(chan struct{})
}

// Capacity implements Mailbox interface
func (mb *fifoMailbox[M]) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox interface
func (mb *fifoMailbox[M]) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.items)
}

// IsClosed implements Mailbox interface
func (mb *fifoMailbox[M]) IsClosed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}
