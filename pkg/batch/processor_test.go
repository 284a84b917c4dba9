package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// fakeTool stands in for a long-lived helper process.
type fakeTool struct {
	worker int64
	calls  atomic.Int64
}

type fakeFactory struct {
	mu        sync.Mutex
	created   int
	released  int
	createErr error
}

func (f *fakeFactory) Create(w *workqueue.Worker) (*fakeTool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &fakeTool{worker: w.ID}, nil
}

func (f *fakeFactory) Release(w *workqueue.Worker, tool *fakeTool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeFactory) counts() (created, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.released
}

func newTestProcessor(f *fakeFactory) *Processor[*fakeTool] {
	return New[*fakeTool]("cruncher", f, DefaultConfig("cruncher"), core.NewNopLogger())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("png")
	if cfg.GrowthIncrement != 5 || cfg.GrowthTriggerRatio != 2.0 || cfg.Name != "png" {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}

func TestProcessor_EndWaitsForBatch(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProcessor(f)

	key := p.Begin()
	var done atomic.Int64
	for i := 0; i < 20; i++ {
		_, err := p.Submit(key, "crunch", func(ctx context.Context, tool *fakeTool) error {
			time.Sleep(time.Millisecond)
			tool.calls.Add(1)
			done.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	if err := p.End(context.Background(), key); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if done.Load() != 20 {
		t.Errorf("completed %d jobs before End() returned, want 20", done.Load())
	}

	created, released := f.counts()
	if created == 0 || created != released {
		t.Errorf("created=%d released=%d; every payload should be released", created, released)
	}
	if p.Open() != 0 {
		t.Errorf("Open() = %d, want 0", p.Open())
	}
	if p.Stats().State != workqueue.StateShutdown.String() {
		t.Errorf("Stats().State = %q, want shutdown", p.Stats().State)
	}
}

func TestProcessor_PayloadIsPerWorker(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProcessor(f)
	key := p.Begin()

	var mu sync.Mutex
	seen := make(map[*fakeTool]int64)
	for i := 0; i < 30; i++ {
		p.Submit(key, "crunch", func(ctx context.Context, tool *fakeTool) error {
			mu.Lock()
			seen[tool] = tool.worker
			mu.Unlock()
			return nil
		})
	}
	if err := p.End(context.Background(), key); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	workers := make(map[int64]bool)
	for _, w := range seen {
		if workers[w] {
			t.Errorf("worker %d saw two payloads", w)
		}
		workers[w] = true
	}
	if created, _ := f.counts(); created < len(seen) {
		t.Errorf("created=%d, but %d distinct payloads were used", created, len(seen))
	}
}

func TestProcessor_EndReportsFailures(t *testing.T) {
	p := newTestProcessor(&fakeFactory{})
	key := p.Begin()

	cause := errors.New("libpng error")
	p.Submit(key, "good.png", func(ctx context.Context, tool *fakeTool) error { return nil })
	p.Submit(key, "bad.png", func(ctx context.Context, tool *fakeTool) error { return cause })
	p.Submit(key, "worse.png", func(ctx context.Context, tool *fakeTool) error { return cause })

	err := p.End(context.Background(), key)
	if !errors.Is(err, workqueue.ErrJobFailed) {
		t.Fatalf("End() error = %v, want ErrJobFailed", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("End() error = %v, want it to wrap the task error", err)
	}
	if joined, ok := err.(interface{ Unwrap() []error }); !ok || len(joined.Unwrap()) != 2 {
		t.Errorf("End() should report both failures, got %v", err)
	}
}

func TestProcessor_KeysAreIndependent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProcessor(f)

	a := p.Begin()
	b := p.Begin()
	if a == b {
		t.Fatal("Begin() returned the same key twice")
	}

	gate := make(chan struct{})
	p.Submit(a, "fast", func(ctx context.Context, tool *fakeTool) error { return nil })
	slow, _ := p.Submit(b, "slow", func(ctx context.Context, tool *fakeTool) error {
		<-gate
		return nil
	})

	if err := p.End(context.Background(), a); err != nil {
		t.Fatalf("End(a) error = %v", err)
	}
	if slow.IsDone() {
		t.Error("ending batch a should not wait for batch b")
	}
	if p.Open() != 1 {
		t.Errorf("Open() = %d, want 1", p.Open())
	}
	if _, released := f.counts(); released != 0 {
		t.Errorf("released=%d while a batch is open, want 0", released)
	}

	close(gate)
	if err := p.End(context.Background(), b); err != nil {
		t.Fatalf("End(b) error = %v", err)
	}
	if _, err := p.Submit(b, "late", func(ctx context.Context, tool *fakeTool) error { return nil }); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Submit() on ended key error = %v, want ErrUnknownKey", err)
	}
	if err := p.End(context.Background(), b); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("second End() error = %v, want ErrUnknownKey", err)
	}
}

func TestProcessor_QueueIsRecreated(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProcessor(f)

	for round := 0; round < 2; round++ {
		key := p.Begin()
		job, err := p.Submit(key, "crunch", func(ctx context.Context, tool *fakeTool) error { return nil })
		if err != nil {
			t.Fatalf("round %d: Submit() error = %v", round, err)
		}
		if err := p.End(context.Background(), key); err != nil {
			t.Fatalf("round %d: End() error = %v", round, err)
		}
		if ok, _ := job.Await(context.Background()); !ok {
			t.Errorf("round %d: job failed", round)
		}
	}

	created, released := f.counts()
	if created != released || created < 2 {
		t.Errorf("created=%d released=%d", created, released)
	}
}

func TestProcessor_CreationFailureFailsJobs(t *testing.T) {
	f := &fakeFactory{createErr: errors.New("tool not found")}
	p := New[*fakeTool]("cruncher", f, workqueue.Config{MaxWorkers: 1}, core.NewNopLogger())

	key := p.Begin()
	job, _ := p.Submit(key, "crunch", func(ctx context.Context, tool *fakeTool) error { return nil })

	err := p.End(context.Background(), key)
	if !errors.Is(err, ErrNoPayload) {
		t.Errorf("End() error = %v, want ErrNoPayload", err)
	}
	if ok, _ := job.Await(context.Background()); ok {
		t.Error("job without payload should fail")
	}
}

func TestProcessor_EndInterrupted(t *testing.T) {
	p := newTestProcessor(&fakeFactory{})
	key := p.Begin()

	p.Submit(key, "stuck", func(ctx context.Context, tool *fakeTool) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.End(ctx, key)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("End() error = %v, want context.DeadlineExceeded", err)
	}
	if p.Open() != 0 {
		t.Errorf("Open() = %d, want 0 after an interrupted End()", p.Open())
	}
}

func TestRegistry_SharesProcessorPerKey(t *testing.T) {
	r := NewRegistry[*fakeTool](core.NewNopLogger())
	var created int
	create := func() *Processor[*fakeTool] {
		created++
		return newTestProcessor(&fakeFactory{})
	}

	a := r.Get("/sdk/build-tools/aapt", create)
	b := r.Get("/sdk/build-tools/aapt", create)
	c := r.Get("/other/aapt", create)

	if a != b {
		t.Error("Get() should return the same processor for the same key")
	}
	if a == c {
		t.Error("Get() should return distinct processors for distinct keys")
	}
	if created != 2 {
		t.Errorf("create called %d times, want 2", created)
	}

	var n int
	r.Each(func(string, *Processor[*fakeTool]) { n++ })
	if n != 2 {
		t.Errorf("Each() visited %d processors, want 2", n)
	}
}
