package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const quarantineTable = "detections_quarantine"

// QuarantineEntry is a rejected ingest payload.
type QuarantineEntry struct {
	RawEvent         string
	SourceIP         string
	Source           string // "http", "tcp" or "kafka"
	ValidationErrors []string
	ErrorCode        string
}

// QuarantineWriter stores rejected payloads for later inspection.
type QuarantineWriter struct {
	batches batchPreparer
	client  execQuerier
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{batches: client, client: client}
}

// Quarantine stores entries in one batch.
func (qw *QuarantineWriter) Quarantine(ctx context.Context, entries ...QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := qw.batches.PrepareBatch(ctx, `
		INSERT INTO detections_quarantine (
			quarantine_id, raw_event, source_ip, source,
			validation_errors, error_code
		)
	`)
	if err != nil {
		return WrapInsertError(quarantineTable, fmt.Errorf("prepare: %w", err))
	}

	for _, entry := range entries {
		errs := entry.ValidationErrors
		if errs == nil {
			errs = []string{}
		}
		if err := batch.Append(
			uuid.New(),
			entry.RawEvent,
			entry.SourceIP,
			entry.Source,
			errs,
			entry.ErrorCode,
		); err != nil {
			batch.Abort()
			return WrapInsertError(quarantineTable, fmt.Errorf("append: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		return WrapInsertError(quarantineTable, fmt.Errorf("send: %w", err))
	}
	return nil
}

// Count returns the number of quarantined payloads.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	rows, err := qw.client.Query(ctx, "SELECT count() FROM detections_quarantine")
	if err != nil {
		return 0, WrapQueryError("Count", quarantineTable, err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, WrapQueryError("Count", quarantineTable, err)
		}
	}
	return count, rows.Err()
}
