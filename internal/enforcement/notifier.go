package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Notification is published for every newly applied action.
type Notification struct {
	ID        string    `json:"id"`
	Address   string    `json:"ip"`
	Action    Action    `json:"action"`
	Decision  string    `json:"decision"`
	Command   string    `json:"command,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newNotification(r ActionResult) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Address:   r.Address,
		Action:    r.Action,
		Decision:  r.Verdict.String(),
		Command:   r.Command,
		Timestamp: r.Timestamp,
	}
}

// Notifier receives applied actions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("enforcement action",
		"id", n.ID,
		"ip", n.Address,
		"action", string(n.Action),
		"decision", n.Decision,
	)
	return nil
}

func (l *LogNotifier) Close() error { return nil }

// JSONProducer publishes keyed JSON values. *kafka.Producer satisfies it.
type JSONProducer interface {
	ProduceJSON(ctx context.Context, key string, value interface{}) error
	Close() error
}

// KafkaNotifier publishes notifications keyed by address.
type KafkaNotifier struct {
	producer JSONProducer
}

// NewKafkaNotifier wraps a producer.
func NewKafkaNotifier(producer JSONProducer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	return k.producer.ProduceJSON(ctx, n.Address, n)
}

func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}

// NATSConn is the part of *nats.Conn the notifier uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultNATSConfig returns the default NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "nids-responder",
		SubjectPrefix: "responder.actions",
		MaxReconnects: 10,
		ReconnectWait: time.Second,
	}
}

// NATSNotifier publishes to "<prefix>.<action>".
type NATSNotifier struct {
	conn   NATSConn
	prefix string
}

// ConnectNATS dials NATS and returns a notifier on the connection.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("enforcement: connect to nats: %w", err)
	}
	return NewNATSNotifier(nc, cfg.SubjectPrefix), nil
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(conn NATSConn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// Subject returns the subject used for action.
func (n *NATSNotifier) Subject(action Action) string {
	return n.prefix + "." + string(action)
}

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("enforcement: marshal notification: %w", err)
	}
	return n.conn.Publish(n.Subject(note.Action), data)
}

func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}

// MultiNotifier fans notifications out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) Close() error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
