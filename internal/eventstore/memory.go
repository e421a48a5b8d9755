package eventstore

import (
	"context"
	"sync"
	"time"

	"nids-responder/internal/schema"
)

// MemoryStore keeps events in memory. Used for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []schema.DetectionEvent
}

// NewMemoryStore creates a store seeded with events.
func NewMemoryStore(events ...schema.DetectionEvent) *MemoryStore {
	return &MemoryStore{events: append([]schema.DetectionEvent(nil), events...)}
}

// Query returns events at or after since.
func (s *MemoryStore) Query(ctx context.Context, since time.Time) ([]schema.DetectionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.DetectionEvent
	for _, e := range s.events {
		if e.Timestamp.IsZero() || e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Append adds events.
func (s *MemoryStore) Append(ctx context.Context, events ...schema.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

// Recent returns the newest events.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]schema.DetectionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	events := append([]schema.DetectionEvent(nil), s.events...)
	s.mu.RUnlock()

	return newestFirst(events, limit), nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
