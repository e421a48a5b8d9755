package eventstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nids-responder/internal/schema"
)

// timestampLayouts are tried in order when reading stored rows.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

// CSVStore reads and appends detections in a headerless CSV file with
// columns ip,timestamp,label,action.
type CSVStore struct {
	path      string
	mu        sync.RWMutex
	logger    *slog.Logger
	malformed atomic.Int64
}

// NewCSVStore creates a store over path. The file is created on first append.
func NewCSVStore(path string, logger *slog.Logger) *CSVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVStore{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *CSVStore) Path() string {
	return s.path
}

// Malformed returns how many rows were dropped while reading.
func (s *CSVStore) Malformed() int64 {
	return s.malformed.Load()
}

// Query returns events with timestamp >= since.
func (s *CSVStore) Query(ctx context.Context, since time.Time) ([]schema.DetectionEvent, error) {
	return s.read(ctx, func(e schema.DetectionEvent) bool {
		return !e.Timestamp.Before(since)
	})
}

// Recent returns the newest events.
func (s *CSVStore) Recent(ctx context.Context, limit int) ([]schema.DetectionEvent, error) {
	events, err := s.read(ctx, func(schema.DetectionEvent) bool { return true })
	if err != nil {
		return nil, err
	}
	return newestFirst(events, limit), nil
}

func (s *CSVStore) read(ctx context.Context, keep func(schema.DetectionEvent) bool) ([]schema.DetectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrDataUnavailable
		}
		return nil, fmt.Errorf("eventstore: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var (
		out     []schema.DetectionEvent
		dropped int64
		line    int
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err != nil {
			dropped++
			continue
		}

		event, ok := parseRecord(record)
		if !ok {
			dropped++
			continue
		}
		if keep(event) {
			out = append(out, event)
		}
	}

	if dropped > 0 {
		s.malformed.Add(dropped)
		s.logger.Debug("dropped malformed detection rows", "path", s.path, "count", dropped)
	}

	return out, nil
}

// Append writes events to the end of the file.
func (s *CSVStore) Append(ctx context.Context, events ...schema.DetectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("eventstore: create directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("eventstore: open %s: %w", s.path, err)
	}

	w := csv.NewWriter(f)
	for _, e := range events {
		record := []string{
			e.Address,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.AttackLabel,
			string(e.Outcome),
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("eventstore: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("eventstore: flush: %w", err)
	}

	return f.Close()
}

func parseRecord(record []string) (schema.DetectionEvent, bool) {
	if len(record) < 3 {
		return schema.DetectionEvent{}, false
	}

	ts, ok := parseTimestamp(record[1])
	if !ok {
		return schema.DetectionEvent{}, false
	}

	event := schema.DetectionEvent{
		Address:     schema.CanonicalAddress(record[0]),
		Timestamp:   ts,
		AttackLabel: strings.TrimSpace(record[2]),
		Outcome:     schema.OutcomeObserved,
	}
	if len(record) > 3 {
		event.Outcome = schema.ParseOutcome(strings.TrimSpace(record[3]))
	}
	if event.Address == "" || event.AttackLabel == "" {
		return schema.DetectionEvent{}, false
	}
	return event, true
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
