package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one consumed message. Returning an error leaves
// the offset uncommitted.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic with a consumer group and hands each message to
// a handler.
type Consumer struct {
	reader   messageReader
	config   *Config
	logger   *slog.Logger
	handler  MessageHandler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
	consumed atomic.Int64
	errors   atomic.Int64
}

// NewConsumer creates a consumer for config.Topic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger:         kafkaLogger(logger, "kafka-reader", slog.LevelDebug),
		ErrorLogger:    kafkaLogger(logger, "kafka-reader", slog.LevelError),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.ConsumerGroup,
	)

	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{reader: r, config: config, handler: handler, logger: logger}
}

// Start begins consuming in a goroutine until Stop or ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("kafka consumer loop exited", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "topic", c.config.Topic)
	return nil
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errors.Add(1)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.Topic)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Time:      m.Time,
		}

		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = c.handler(hctx, msg)
		cancel()
		if err != nil {
			c.errors.Add(1)
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit offset", "error", err, "offset", m.Offset)
		}
		c.consumed.Add(1)
	}
}

// GetMetrics returns consumer counters.
func (c *Consumer) GetMetrics() Metrics {
	return Metrics{
		MessagesConsumed: c.consumed.Load(),
		Errors:           c.errors.Load(),
	}
}

// Stop cancels consumption, waits for the loop, and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer", "messages_consumed", c.consumed.Load())

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
