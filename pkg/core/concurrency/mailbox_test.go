package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewMailbox(t *testing.T) {
	mailbox := NewMailbox[string](10)

	if mailbox == nil {
		t.Error("NewMailbox() should not return nil")
	}

	if mailbox.Capacity() != 10 {
		t.Errorf("Capacity() = %d, want 10", mailbox.Capacity())
	}

	if NewMailbox[string](-1).Capacity() != 0 {
		t.Error("negative capacity should mean unbounded (0)")
	}
}

func TestMailbox_SendBounded(t *testing.T) {
	mailbox := NewMailbox[string](2)

	if err := mailbox.Send("message1"); err != nil {
		t.Errorf("Send() error = %v", err)
	}
	mailbox.Send("message2")

	err := mailbox.Send("message3")
	if err != ErrMailboxFull {
		t.Errorf("Send() to full mailbox error = %v, want ErrMailboxFull", err)
	}

	// Put ignores capacity
	if err := mailbox.Put("control"); err != nil {
		t.Errorf("Put() on full mailbox error = %v", err)
	}
	if mailbox.Size() != 3 {
		t.Errorf("Size() = %d, want 3", mailbox.Size())
	}
}

func TestMailbox_Unbounded(t *testing.T) {
	mailbox := NewMailbox[int](0)

	for i := 0; i < 10000; i++ {
		if err := mailbox.Send(i); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if mailbox.Size() != 10000 {
		t.Errorf("Size() = %d, want 10000", mailbox.Size())
	}
}

func TestMailbox_ReceiveFIFO(t *testing.T) {
	mailbox := NewMailbox[int](0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		mailbox.Send(i)
	}

	for want := 1; want <= 3; want++ {
		msg, err := mailbox.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if msg != want {
			t.Errorf("Receive() = %d, want %d", msg, want)
		}
	}
}

func TestMailbox_ReceiveBlocksUntilSend(t *testing.T) {
	mailbox := NewMailbox[string](0)

	got := make(chan string, 1)
	go func() {
		msg, err := mailbox.Receive(context.Background())
		if err != nil {
			t.Errorf("Receive() error = %v", err)
		}
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	mailbox.Send("late")

	select {
	case msg := <-got:
		if msg != "late" {
			t.Errorf("Receive() = %q, want late", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() did not wake up after Send()")
	}
}

func TestMailbox_ReceiveCancelled(t *testing.T) {
	mailbox := NewMailbox[string](0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mailbox.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestMailbox_ReceiveCancelledLeavesMessages(t *testing.T) {
	mailbox := NewMailbox[string](0)
	mailbox.Send("queued")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mailbox.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive() error = %v, want context.Canceled", err)
	}
	if mailbox.Size() != 1 {
		t.Errorf("Size() = %d, want 1", mailbox.Size())
	}
}

func TestMailbox_TryReceive(t *testing.T) {
	mailbox := NewMailbox[string](10)

	msg, ok, err := mailbox.TryReceive()
	if err != nil {
		t.Errorf("TryReceive() on empty mailbox error = %v", err)
	}
	if ok {
		t.Error("TryReceive() on empty mailbox should return ok=false")
	}
	if msg != "" {
		t.Errorf("TryReceive() on empty mailbox msg = %v, want zero value", msg)
	}

	mailbox.Send("test")
	msg, ok, err = mailbox.TryReceive()
	if err != nil {
		t.Errorf("TryReceive() error = %v", err)
	}
	if !ok {
		t.Error("TryReceive() should return ok=true when message available")
	}
	if msg != "test" {
		t.Errorf("TryReceive() = %v, want test", msg)
	}
}

func TestMailbox_Close(t *testing.T) {
	mailbox := NewMailbox[string](10)
	mailbox.Send("queued")

	mailbox.Close()

	if !mailbox.IsClosed() {
		t.Error("IsClosed() should return true after Close()")
	}

	if err := mailbox.Send("test"); err != ErrMailboxClosed {
		t.Errorf("Send() after close error = %v, want ErrMailboxClosed", err)
	}
	if err := mailbox.Put("test"); err != ErrMailboxClosed {
		t.Errorf("Put() after close error = %v, want ErrMailboxClosed", err)
	}

	// Queued messages drain before the closed error surfaces
	ctx := context.Background()
	msg, err := mailbox.Receive(ctx)
	if err != nil || msg != "queued" {
		t.Errorf("Receive() after close = %q, %v; want queued, nil", msg, err)
	}
	if _, err := mailbox.Receive(ctx); err != ErrMailboxClosed {
		t.Errorf("Receive() on drained closed mailbox error = %v, want ErrMailboxClosed", err)
	}
}

func TestMailbox_CloseWakesReceivers(t *testing.T) {
	mailbox := NewMailbox[string](0)

	errs := make(chan error, 1)
	go func() {
		_, err := mailbox.Receive(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	mailbox.Close()

	select {
	case err := <-errs:
		if err != ErrMailboxClosed {
			t.Errorf("Receive() error = %v, want ErrMailboxClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() did not wake blocked receiver")
	}
}

func TestMailbox_ConcurrentReceiversGetEachMessageOnce(t *testing.T) {
	mailbox := NewMailbox[int](0)
	const messages = 1000
	const receivers = 8

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for r := 0; r < receivers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := mailbox.Receive(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[msg]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < messages; i++ {
		mailbox.Send(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mailbox.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	mailbox.Close()
	wg.Wait()

	if len(seen) != messages {
		t.Fatalf("received %d distinct messages, want %d", len(seen), messages)
	}
	for msg, n := range seen {
		if n != 1 {
			t.Errorf("message %d delivered %d times", msg, n)
		}
	}
}
