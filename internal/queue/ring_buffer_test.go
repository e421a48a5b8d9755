package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nids-responder/internal/schema"
)

func newTestEvent(i int) schema.DetectionEvent {
	return schema.DetectionEvent{
		Address:     fmt.Sprintf("10.0.%d.%d", i/256, i%256),
		Timestamp:   time.Now().UTC(),
		AttackLabel: "port_scan",
		Outcome:     schema.OutcomeObserved,
	}
}

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"valid size", 100, 100},
		{"zero uses default", 0, DefaultSize},
		{"negative uses default", -5, DefaultSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.size)
			if rb.Cap() != tt.want {
				t.Errorf("Cap() = %d, want %d", rb.Cap(), tt.want)
			}
			if rb.Len() != 0 {
				t.Errorf("Len() = %d, want 0", rb.Len())
			}
		})
	}
}

func TestRingBuffer_FIFOWithWrap(t *testing.T) {
	rb := NewRingBuffer(3)

	// Fill, drain partially, refill so the tail wraps.
	for i := 0; i < 3; i++ {
		if err := rb.Push(newTestEvent(i)); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := rb.Pop(); err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
	}
	for i := 3; i < 5; i++ {
		if err := rb.Push(newTestEvent(i)); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}

	for _, want := range []int{2, 3, 4} {
		got, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if got.Address != newTestEvent(want).Address {
			t.Errorf("Pop() = %s, want %s", got.Address, newTestEvent(want).Address)
		}
	}
	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() on empty error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_Full(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(newTestEvent(0))
	rb.Push(newTestEvent(1))

	if err := rb.Push(newTestEvent(2)); err != ErrQueueFull {
		t.Errorf("Push() on full error = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Pushed != 2 || m.Dropped != 1 || m.Depth != 2 {
		t.Errorf("Metrics() = %+v, want pushed 2, dropped 1, depth 2", m)
	}
	if m.Usage() != 1 {
		t.Errorf("Usage() = %v, want 1", m.Usage())
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Push(newTestEvent(0))
	rb.Close()

	if err := rb.Push(newTestEvent(1)); err != ErrQueueClosed {
		t.Errorf("Push() after Close error = %v, want ErrQueueClosed", err)
	}

	// queued events still drain
	if _, err := rb.Pop(); err != nil {
		t.Errorf("Pop() after Close error = %v, want queued event", err)
	}
	if _, err := rb.Pop(); err != ErrQueueClosed {
		t.Errorf("Pop() on closed empty queue error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBatch(t *testing.T) {
	t.Run("returns up to max", func(t *testing.T) {
		rb := NewRingBuffer(10)
		for i := 0; i < 5; i++ {
			rb.Push(newTestEvent(i))
		}

		batch, err := rb.PopBatch(3, time.Second)
		if err != nil {
			t.Fatalf("PopBatch() error = %v", err)
		}
		if len(batch) != 3 || rb.Len() != 2 {
			t.Errorf("PopBatch() = %d events, %d left; want 3 and 2", len(batch), rb.Len())
		}
	})

	t.Run("times out on empty queue", func(t *testing.T) {
		rb := NewRingBuffer(10)

		start := time.Now()
		_, err := rb.PopBatch(10, 50*time.Millisecond)
		if err != ErrQueueEmpty {
			t.Errorf("PopBatch() error = %v, want ErrQueueEmpty", err)
		}
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Errorf("PopBatch() returned after %v, want it to wait", elapsed)
		}
	})

	t.Run("wakes on push", func(t *testing.T) {
		rb := NewRingBuffer(10)
		go func() {
			time.Sleep(20 * time.Millisecond)
			rb.Push(newTestEvent(0))
		}()

		batch, err := rb.PopBatch(10, 5*time.Second)
		if err != nil || len(batch) != 1 {
			t.Errorf("PopBatch() = %d events, %v; want 1 event", len(batch), err)
		}
	})

	t.Run("wakes on close", func(t *testing.T) {
		rb := NewRingBuffer(10)
		go func() {
			time.Sleep(20 * time.Millisecond)
			rb.Close()
		}()

		if _, err := rb.PopBatch(10, 5*time.Second); err != ErrQueueClosed {
			t.Errorf("PopBatch() error = %v, want ErrQueueClosed", err)
		}
	})
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	const producers = 5
	const perProducer = 200

	var produced, consumed atomic.Uint64
	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		pwg.Add(1)
		go func(p int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				// drops are expected when consumers fall behind
				if rb.Push(newTestEvent(p*perProducer+i)) == nil {
					produced.Add(1)
				}
			}
		}(p)
	}

	var cwg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				batch, err := rb.PopBatch(16, 10*time.Millisecond)
				if err == ErrQueueClosed {
					return
				}
				consumed.Add(uint64(len(batch)))
			}
		}()
	}

	pwg.Wait()
	rb.Close()
	cwg.Wait()

	if produced.Load() != consumed.Load() {
		t.Errorf("produced %d, consumed %d", produced.Load(), consumed.Load())
	}
	m := rb.Metrics()
	if m.Pushed+m.Dropped != producers*perProducer {
		t.Errorf("pushed %d + dropped %d != %d", m.Pushed, m.Dropped, producers*perProducer)
	}
}
