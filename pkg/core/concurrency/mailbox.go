package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when trying to send/receive on a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when trying to send to a full mailbox (backpressure)
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a FIFO shared by producers and any number of receivers.
// Each message is delivered to exactly one receiver, in enqueue order.
type Mailbox[M any] interface {
	// Send appends msg at the tail.
	// Returns ErrMailboxFull if the mailbox is bounded and full (backpressure)
	// Returns ErrMailboxClosed if mailbox is closed
	Send(msg M) error

	// Put appends msg at the tail regardless of capacity. It is meant for
	// control messages that must never be rejected.
	// Returns ErrMailboxClosed if mailbox is closed
	Put(msg M) error

	// Receive removes the head message.
	// Blocks until a message is available or ctx is cancelled. A cancelled
	// ctx returns ctx.Err() without removing anything.
	// Returns ErrMailboxClosed once the mailbox is closed and drained
	Receive(ctx context.Context) (M, error)

	// TryReceive attempts to receive a message without blocking
	// Returns (msg, true, nil) if a message was available, (zero, false, nil) if empty
	TryReceive() (M, bool, error)

	// Close closes the mailbox. Messages already queued can still be received.
	Close()

	// Capacity returns the maximum capacity, 0 when unbounded
	Capacity() int

	// Size returns the current number of messages in the mailbox
	Size() int

	// IsClosed returns true if the mailbox is closed
	IsClosed() bool
}
