// Package queue buffers ingested detections between the ingest surfaces
// and the store-writing workers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"nids-responder/internal/schema"
)

var (
	// ErrQueueFull is returned when pushing to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when popping from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is the capacity used when NewRingBuffer is given none.
const DefaultSize = 10000

// RingBuffer is a fixed-capacity FIFO of detections, safe for concurrent use.
// Pushes fail fast when full; pops may wait.
type RingBuffer struct {
	buffer []schema.DetectionEvent
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	rb := &RingBuffer{
		buffer: make([]schema.DetectionEvent, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push appends event. It returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(event schema.DetectionEvent) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)

	rb.cond.Signal()
	return nil
}

// Pop removes the oldest event, or returns ErrQueueEmpty.
func (rb *RingBuffer) Pop() (schema.DetectionEvent, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return schema.DetectionEvent{}, ErrQueueClosed
		}
		return schema.DetectionEvent{}, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBatch waits up to timeout for at least one event, then removes up to
// max events without waiting further. It returns ErrQueueEmpty on timeout
// and ErrQueueClosed once the queue is closed and drained.
func (rb *RingBuffer) PopBatch(max int, timeout time.Duration) ([]schema.DetectionEvent, error) {
	if max <= 0 {
		max = 1
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 && !rb.closed {
		expired := false
		timer := time.AfterFunc(timeout, func() {
			rb.mu.Lock()
			expired = true
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})
		for rb.count == 0 && !rb.closed && !expired {
			rb.cond.Wait()
		}
		timer.Stop()
	}

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	n := min(max, rb.count)
	out := make([]schema.DetectionEvent, n)
	for i := range out {
		out[i] = rb.popLocked()
	}
	return out, nil
}

func (rb *RingBuffer) popLocked() schema.DetectionEvent {
	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = schema.DetectionEvent{}
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return event
}

// Len returns the number of queued events.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close rejects further pushes and wakes waiting consumers. Queued events
// can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds queue statistics.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Usage returns the fill ratio of the queue in [0,1].
func (m QueueMetrics) Usage() float64 {
	if m.Capacity == 0 {
		return 0
	}
	return float64(m.Depth) / float64(m.Capacity)
}
