package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"nids-responder/internal/eventstore"
	"nids-responder/internal/schema"
)

const detectionsTable = "detections"

// rowIterator is the part of driver.Rows the store reads.
type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// batchPreparer is the part of *ClickHouseClient used for inserts.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// DetectionStore is an eventstore.Store backed by the detections table.
type DetectionStore struct {
	query   func(ctx context.Context, query string, args ...any) (rowIterator, error)
	batches batchPreparer
	timeout time.Duration
	logger  *slog.Logger
}

var _ eventstore.Store = (*DetectionStore)(nil)

// NewDetectionStore creates a store over client.
func NewDetectionStore(client *ClickHouseClient, timeout time.Duration, logger *slog.Logger) *DetectionStore {
	s := newDetectionStore(func(ctx context.Context, q string, args ...any) (rowIterator, error) {
		return client.Query(ctx, q, args...)
	}, client, logger)
	s.timeout = timeout
	return s
}

func newDetectionStore(query func(context.Context, string, ...any) (rowIterator, error), batches batchPreparer, logger *slog.Logger) *DetectionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetectionStore{
		query:   query,
		batches: batches,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Query returns detections with timestamps at or after since.
func (s *DetectionStore) Query(ctx context.Context, since time.Time) ([]schema.DetectionEvent, error) {
	return s.read(ctx, "Query", `
		SELECT address, timestamp, label, outcome
		FROM detections
		WHERE timestamp >= ?
		ORDER BY timestamp ASC
	`, since.UTC())
}

// Recent returns up to limit of the newest detections, newest first.
func (s *DetectionStore) Recent(ctx context.Context, limit int) ([]schema.DetectionEvent, error) {
	if limit <= 0 {
		return []schema.DetectionEvent{}, nil
	}
	return s.read(ctx, "Recent", `
		SELECT address, timestamp, label, outcome
		FROM detections
		ORDER BY timestamp DESC
		LIMIT ?
	`, uint64(limit))
}

func (s *DetectionStore) read(ctx context.Context, op, q string, args ...any) ([]schema.DetectionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, WrapQueryError(op, detectionsTable, err)
	}
	defer rows.Close()

	events := []schema.DetectionEvent{}
	for rows.Next() {
		var (
			e       schema.DetectionEvent
			outcome string
		)
		if err := rows.Scan(&e.Address, &e.Timestamp, &e.AttackLabel, &outcome); err != nil {
			return nil, WrapQueryError(op, detectionsTable, fmt.Errorf("scan: %w", err))
		}
		e.Outcome = schema.ParseOutcome(outcome)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError(op, detectionsTable, err)
	}
	return events, nil
}

// Append inserts events in a single batch.
func (s *DetectionStore) Append(ctx context.Context, events ...schema.DetectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return insertDetections(ctx, s.batches, events)
}

func insertDetections(ctx context.Context, batches batchPreparer, events []schema.DetectionEvent) error {
	batch, err := batches.PrepareBatch(ctx, "INSERT INTO detections (address, timestamp, label, outcome)")
	if err != nil {
		return WrapInsertError(detectionsTable, fmt.Errorf("prepare: %w", err))
	}

	for _, e := range events {
		if err := batch.Append(e.Address, e.Timestamp.UTC(), e.AttackLabel, string(e.Outcome)); err != nil {
			batch.Abort()
			return WrapInsertError(detectionsTable, fmt.Errorf("append: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		return WrapInsertError(detectionsTable, fmt.Errorf("send: %w", err))
	}
	return nil
}
