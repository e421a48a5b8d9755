// Package consumer drains the ingest queue into the event store.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nids-responder/internal/eventstore"
	"nids-responder/internal/queue"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ShutdownWait: 30 * time.Second,
	}
}

// Flusher is implemented by appenders that buffer writes, such as the
// ClickHouse batch writer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Consumer pops batches of detections from the queue and appends them to
// the store.
type Consumer struct {
	queue    *queue.RingBuffer
	appender eventstore.Appender
	config   Config
	logger   *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	stop sync.Once

	consumed atomic.Uint64
	errors   atomic.Uint64
	onWrite  func(n int)
}

// New creates a Consumer. Zero config fields fall back to defaults.
func New(q *queue.RingBuffer, appender eventstore.Appender, cfg Config, logger *slog.Logger) *Consumer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = def.ShutdownWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:    q,
		appender: appender,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// WithWriteHook registers fn to run with the size of every stored batch.
func (c *Consumer) WithWriteHook(fn func(n int)) *Consumer {
	c.onWrite = fn
	return c
}

// Start starts the workers. They run until ctx is cancelled, Stop is
// called, or the queue is closed and drained.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info("queue consumer started", "workers", c.config.Workers, "batch_size", c.config.BatchSize)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		batch, err := c.queue.PopBatch(c.config.BatchSize, c.config.PollInterval)
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			continue
		case errors.Is(err, queue.ErrQueueClosed):
			return
		case err != nil:
			c.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		// Writes use a fresh context so a shutdown does not drop a popped batch.
		writeCtx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
		err = c.appender.Append(writeCtx, batch...)
		cancel()
		if err != nil {
			c.logger.Error("failed to store detections",
				"worker_id", id,
				"count", len(batch),
				"error", err,
			)
			c.errors.Add(uint64(len(batch)))
			continue
		}

		c.consumed.Add(uint64(len(batch)))
		if c.onWrite != nil {
			c.onWrite(len(batch))
		}
	}
}

// Stop stops the workers, waits up to ShutdownWait for them, and flushes
// the appender if it buffers.
func (c *Consumer) Stop() {
	c.stop.Do(func() { close(c.done) })

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.logger.Info("queue consumer stopped")
	case <-time.After(c.config.ShutdownWait):
		c.logger.Warn("queue consumer shutdown timed out")
	}

	if f, ok := c.appender.(Flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
		defer cancel()
		if err := f.Flush(ctx); err != nil {
			c.logger.Error("final flush failed", "error", err)
		}
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
