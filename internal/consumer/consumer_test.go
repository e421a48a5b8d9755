package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nids-responder/internal/eventstore"
	"nids-responder/internal/queue"
	"nids-responder/internal/schema"
)

type recordingAppender struct {
	mu      sync.Mutex
	events  []schema.DetectionEvent
	fail    bool
	flushes int
}

func (a *recordingAppender) Append(ctx context.Context, events ...schema.DetectionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("store unavailable")
	}
	a.events = append(a.events, events...)
	return nil
}

func (a *recordingAppender) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes++
	return nil
}

func (a *recordingAppender) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func testEvent() schema.DetectionEvent {
	return schema.DetectionEvent{
		Address:     "10.0.0.1",
		Timestamp:   time.Now().UTC(),
		AttackLabel: "bruteforce",
		Outcome:     schema.OutcomeBlocked,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.BatchSize)
	}
	if cfg.ShutdownWait != 30*time.Second {
		t.Errorf("ShutdownWait = %v, want 30s", cfg.ShutdownWait)
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	c := New(queue.NewRingBuffer(10), &recordingAppender{}, Config{}, nil)
	if c.config != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", c.config)
	}
}

func TestConsumer_StoresQueuedEvents(t *testing.T) {
	q := queue.NewRingBuffer(100)
	app := &recordingAppender{}
	var hooked atomic.Int64

	c := New(q, app, Config{Workers: 2, BatchSize: 8, PollInterval: 10 * time.Millisecond}, nil).
		WithWriteHook(func(n int) { hooked.Add(int64(n)) })
	c.Start(context.Background())

	for i := 0; i < 25; i++ {
		if err := q.Push(testEvent()); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	waitFor(t, func() bool { return app.len() == 25 })
	c.Stop()

	if m := c.Metrics(); m.Consumed != 25 || m.Errors != 0 {
		t.Errorf("Metrics() = %+v, want 25 consumed, 0 errors", m)
	}
	if hooked.Load() != 25 {
		t.Errorf("write hook saw %d, want 25", hooked.Load())
	}
	if app.flushes != 1 {
		t.Errorf("flushes = %d, want 1", app.flushes)
	}
}

func TestConsumer_CountsFailedWrites(t *testing.T) {
	q := queue.NewRingBuffer(10)
	app := &recordingAppender{fail: true}

	c := New(q, app, Config{Workers: 1, PollInterval: 10 * time.Millisecond}, nil)
	c.Start(context.Background())

	q.Push(testEvent())
	q.Push(testEvent())

	waitFor(t, func() bool { return c.Metrics().Errors == 2 })
	c.Stop()

	if m := c.Metrics(); m.Consumed != 0 {
		t.Errorf("Consumed = %d, want 0", m.Consumed)
	}
}

func TestConsumer_ExitsWhenQueueCloses(t *testing.T) {
	q := queue.NewRingBuffer(10)
	store := eventstore.NewMemoryStore()

	c := New(q, store, Config{Workers: 2, PollInterval: 10 * time.Millisecond}, nil)
	c.Start(context.Background())

	q.Push(testEvent())
	q.Close()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit after queue close")
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	c.Stop()
}

func TestConsumer_StopIsIdempotent(t *testing.T) {
	c := New(queue.NewRingBuffer(10), &recordingAppender{}, Config{PollInterval: 10 * time.Millisecond}, nil)
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}
