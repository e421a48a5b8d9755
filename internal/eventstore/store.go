// Package eventstore supplies detection events to the correlation pipeline.
package eventstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"nids-responder/internal/schema"
)

// ErrDataUnavailable is returned when the backing store does not exist yet.
// Callers treat it as an empty result.
var ErrDataUnavailable = errors.New("eventstore: data unavailable")

// Store is the event store adapter consumed by the correlator.
type Store interface {
	// Query returns events with timestamp >= since. Rows that cannot be
	// parsed are dropped by the store.
	Query(ctx context.Context, since time.Time) ([]schema.DetectionEvent, error)
	// Append stores events in arrival order.
	Append(ctx context.Context, events ...schema.DetectionEvent) error
	// Recent returns up to limit of the newest events, newest first.
	Recent(ctx context.Context, limit int) ([]schema.DetectionEvent, error)
}

// Appender is the write side of a Store. Ingest workers depend on it so
// buffered writers can stand in for a full store.
type Appender interface {
	Append(ctx context.Context, events ...schema.DetectionEvent) error
}

// newestFirst sorts events by timestamp descending and truncates to limit.
func newestFirst(events []schema.DetectionEvent, limit int) []schema.DetectionEvent {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
