package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nids-responder/internal/schema"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers detections and inserts them when the buffer fills
// or the flush interval elapses.
type BatchWriter struct {
	batches batchPreparer
	config  BatchWriterConfig
	logger  *slog.Logger

	mu     sync.Mutex
	buffer []schema.DetectionEvent
	timer  *time.Timer
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
	flushes atomic.Uint64
}

// NewBatchWriter creates a BatchWriter over client.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	return newBatchWriter(client, cfg, logger)
}

func newBatchWriter(batches batchPreparer, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	bw := &BatchWriter{
		batches: batches,
		config:  cfg,
		logger:  logger,
		buffer:  make([]schema.DetectionEvent, 0, cfg.BatchSize),
	}
	bw.timer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Append buffers events, flushing when the batch is full.
func (bw *BatchWriter) Append(ctx context.Context, events ...schema.DetectionEvent) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, events...)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if err := bw.flushLocked(context.Background()); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}
	bw.timer.Reset(bw.config.FlushInterval)
}

// flushLocked inserts the buffer with linear backoff. Caller holds mu.
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	events := bw.buffer
	bw.buffer = make([]schema.DetectionEvent, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				bw.failed.Add(uint64(len(events)))
				return ctx.Err()
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			}
		}

		insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := insertDetections(insertCtx, bw.batches, events)
		cancel()
		if err == nil {
			bw.written.Add(uint64(len(events)))
			bw.flushes.Add(1)
			bw.logger.Debug("batch inserted", "count", len(events))
			return nil
		}

		lastErr = err
		bw.logger.Warn("batch insert failed, retrying",
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"error", err,
		)
	}

	bw.failed.Add(uint64(len(events)))
	return fmt.Errorf("batch insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Close stops the timer and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true
	bw.timer.Stop()
	return bw.flushLocked(context.Background())
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.flushes.Load(),
		Pending: pending,
	}
}
