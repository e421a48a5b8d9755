package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nids-responder/internal/decision"
	"nids-responder/internal/enforcement"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("alerting: notifier closed")

// DeliveryStatus is the state of one notification on one channel.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks a notification on a specific channel.
type DeliveryRecord struct {
	ID           uuid.UUID                `json:"id"`
	Channel      string                   `json:"channel"`
	Notification enforcement.Notification `json:"notification"`
	Status       DeliveryStatus           `json:"status"`
	Attempts     int                      `json:"attempts"`
	LastAttempt  time.Time                `json:"last_attempt"`
	LastError    string                   `json:"last_error,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

// DeliveryConfig controls retries.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultDeliveryConfig returns the default retry settings.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Config holds outbound alerting settings.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// MinDecision is the lowest verdict that is forwarded.
	MinDecision    string          `yaml:"min_decision"`
	Webhooks       []WebhookConfig `yaml:"webhooks"`
	Slack          SlackConfig     `yaml:"slack"`
	Delivery       DeliveryConfig  `yaml:"delivery"`
	DeadLetterSize int             `yaml:"dead_letter_size"`
}

// DefaultConfig returns alerting disabled, forwarding blocks only.
func DefaultConfig() Config {
	return Config{
		MinDecision:    decision.Block.String(),
		Delivery:       DefaultDeliveryConfig(),
		DeadLetterSize: 1000,
	}
}

// Channels builds the configured channels.
func (c Config) Channels() []Channel {
	var channels []Channel
	for _, wh := range c.Webhooks {
		if wh.URL != "" {
			channels = append(channels, NewWebhookChannel(wh))
		}
	}
	if c.Slack.WebhookURL != "" {
		channels = append(channels, NewSlackChannel(c.Slack))
	}
	return channels
}

// Stats summarises delivery outcomes since start.
type Stats struct {
	Filtered   int64 `json:"filtered"`
	Sent       int64 `json:"sent"`
	Retries    int64 `json:"retries"`
	DeadLetter int   `json:"dead_letter"`
	InFlight   int   `json:"in_flight"`
}

// Notifier forwards applied actions to outbound channels. Delivery is
// asynchronous with exponential backoff; records that exhaust their retries
// land in a bounded dead-letter queue.
type Notifier struct {
	cfg      DeliveryConfig
	channels []Channel
	min      decision.Verdict
	dlqSize  int
	logger   *slog.Logger
	onFail   func(error)

	mu         sync.Mutex
	inFlight   map[uuid.UUID]*DeliveryRecord
	deadLetter []*DeliveryRecord
	stats      Stats
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier over channels.
func NewNotifier(cfg Config, channels []Channel, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	minVerdict := decision.Allow
	if cfg.MinDecision != "" {
		v, err := decision.ParseVerdict(cfg.MinDecision)
		if err != nil {
			return nil, fmt.Errorf("alerting: min_decision: %w", err)
		}
		minVerdict = v
	}

	d := cfg.Delivery
	def := DefaultDeliveryConfig()
	if d.MaxRetries <= 0 {
		d.MaxRetries = def.MaxRetries
	}
	if d.InitialBackoff <= 0 {
		d.InitialBackoff = def.InitialBackoff
	}
	if d.MaxBackoff < d.InitialBackoff {
		d.MaxBackoff = d.InitialBackoff
	}
	if d.BackoffFactor < 1 {
		d.BackoffFactor = def.BackoffFactor
	}
	if d.AttemptTimeout <= 0 {
		d.AttemptTimeout = def.AttemptTimeout
	}
	size := cfg.DeadLetterSize
	if size <= 0 {
		size = DefaultConfig().DeadLetterSize
	}

	return &Notifier{
		cfg:      d,
		channels: channels,
		min:      minVerdict,
		dlqSize:  size,
		logger:   logger.With("component", "alerting"),
		inFlight: make(map[uuid.UUID]*DeliveryRecord),
		stopCh:   make(chan struct{}),
	}, nil
}

// WithFailureHook registers fn to run when a delivery is dead-lettered.
func (n *Notifier) WithFailureHook(fn func(error)) *Notifier {
	n.onFail = fn
	return n
}

// Notify queues the notification on every channel and returns without
// waiting for delivery.
func (n *Notifier) Notify(ctx context.Context, note enforcement.Notification) error {
	if !n.accepts(note.Decision) {
		n.mu.Lock()
		n.stats.Filtered++
		n.mu.Unlock()
		return nil
	}

	// delivery outlives the request that triggered it
	base := context.WithoutCancel(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	for _, ch := range n.channels {
		rec := &DeliveryRecord{
			ID:           uuid.New(),
			Channel:      ch.Name(),
			Notification: note,
			Status:       DeliveryPending,
			CreatedAt:    time.Now().UTC(),
		}
		n.startLocked(base, ch, rec)
	}
	return nil
}

func (n *Notifier) accepts(name string) bool {
	v, err := decision.ParseVerdict(name)
	if err != nil {
		return false
	}
	return v.Rank() >= n.min.Rank()
}

func (n *Notifier) startLocked(ctx context.Context, ch Channel, rec *DeliveryRecord) {
	n.inFlight[rec.ID] = rec
	n.wg.Add(1)
	go n.deliverWithRetry(ctx, ch, rec)
}

func (n *Notifier) deliverWithRetry(ctx context.Context, ch Channel, rec *DeliveryRecord) {
	defer n.wg.Done()

	backoff := n.cfg.InitialBackoff
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		n.mu.Lock()
		rec.Attempts = attempt
		rec.LastAttempt = time.Now().UTC()
		if attempt > 1 {
			rec.Status = DeliveryRetrying
			n.stats.Retries++
		}
		n.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.AttemptTimeout)
		err := ch.Send(attemptCtx, rec.Notification)
		cancel()

		if err == nil {
			n.mu.Lock()
			rec.Status = DeliverySent
			delete(n.inFlight, rec.ID)
			n.stats.Sent++
			n.mu.Unlock()

			n.logger.Debug("notification delivered",
				"channel", rec.Channel,
				"ip", rec.Notification.Address,
				"attempts", attempt,
			)
			return
		}

		n.mu.Lock()
		rec.LastError = err.Error()
		n.mu.Unlock()

		n.logger.Warn("notification delivery failed",
			"channel", rec.Channel,
			"ip", rec.Notification.Address,
			"attempt", attempt,
			"max_retries", n.cfg.MaxRetries,
			"error", err,
		)

		if attempt == n.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			n.moveToDeadLetter(rec, "context cancelled")
			return
		case <-n.stopCh:
			n.moveToDeadLetter(rec, "notifier closed")
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * n.cfg.BackoffFactor)
		if backoff > n.cfg.MaxBackoff {
			backoff = n.cfg.MaxBackoff
		}
	}

	n.moveToDeadLetter(rec, rec.LastError)
}

func (n *Notifier) moveToDeadLetter(rec *DeliveryRecord, reason string) {
	n.mu.Lock()
	rec.Status = DeliveryDeadLetter
	rec.LastError = reason
	delete(n.inFlight, rec.ID)
	n.deadLetter = append(n.deadLetter, rec)
	if len(n.deadLetter) > n.dlqSize {
		n.deadLetter = n.deadLetter[len(n.deadLetter)-n.dlqSize:]
	}
	n.mu.Unlock()

	n.logger.Error("notification moved to dead letter queue",
		"channel", rec.Channel,
		"ip", rec.Notification.Address,
		"decision", rec.Notification.Decision,
		"attempts", rec.Attempts,
		"reason", reason,
	)
	if n.onFail != nil {
		n.onFail(fmt.Errorf("alerting: %s: %s", rec.Channel, reason))
	}
}

// DeadLetters returns copies of the dead-lettered records, oldest first.
func (n *Notifier) DeadLetters() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.deadLetter))
	for i, rec := range n.deadLetter {
		out[i] = *rec
	}
	return out
}

// RetryDeadLetter takes a record off the dead-letter queue and delivers it
// again with a fresh retry budget.
func (n *Notifier) RetryDeadLetter(ctx context.Context, id uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	idx := -1
	for i, rec := range n.deadLetter {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("alerting: dead letter record not found: %s", id)
	}
	rec := n.deadLetter[idx]

	var ch Channel
	for _, c := range n.channels {
		if c.Name() == rec.Channel {
			ch = c
			break
		}
	}
	if ch == nil {
		return fmt.Errorf("alerting: channel not found: %s", rec.Channel)
	}

	n.deadLetter = append(n.deadLetter[:idx], n.deadLetter[idx+1:]...)
	rec.Status = DeliveryPending
	rec.Attempts = 0
	rec.LastError = ""
	n.startLocked(context.WithoutCancel(ctx), ch, rec)
	return nil
}

// Stats returns delivery counters.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.stats
	s.DeadLetter = len(n.deadLetter)
	s.InFlight = len(n.inFlight)
	return s
}

// Close stops pending backoffs and waits for in-flight attempts to finish.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}
