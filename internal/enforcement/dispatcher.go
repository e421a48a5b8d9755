package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"nids-responder/internal/decision"
)

// ActionResult describes the outcome of dispatching one decision.
type ActionResult struct {
	Executed  bool             `json:"executed"`
	Action    Action           `json:"action"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Address   string           `json:"ip"`
	Verdict   decision.Verdict `json:"decision"`
	Command   string           `json:"command,omitempty"`
}

// Config holds dispatcher configuration.
type Config struct {
	Backend   Backend `yaml:"backend"`
	RateLimit string  `yaml:"rate_limit"`
	// MaxApplied caps the remembered (address, action) pairs; the least
	// recently applied pair is forgotten first.
	MaxApplied int `yaml:"max_applied"`
	// AppliedTTL is how long a repeat of the same action stays a no-op.
	AppliedTTL time.Duration `yaml:"applied_ttl"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendIptables,
		RateLimit:  "10/second",
		MaxApplied: 10000,
		AppliedTTL: time.Hour,
	}
}

type appliedKey struct {
	address string
	action  Action
}

// Dispatcher applies actions against a simulated firewall. It remembers
// recently applied (address, action) pairs so repeated decisions within
// AppliedTTL are no-ops with the same result.
type Dispatcher struct {
	mu       sync.Mutex
	config   Config
	applied  *expirable.LRU[appliedKey, time.Time]
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	onError  func(error)
}

// NewDispatcher creates a dispatcher. A nil notifier disables notifications.
func NewDispatcher(cfg Config, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if cfg.Backend == "" {
		cfg.Backend = BackendIptables
	}
	def := DefaultConfig()
	if cfg.RateLimit == "" {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.MaxApplied <= 0 {
		cfg.MaxApplied = def.MaxApplied
	}
	if cfg.AppliedTTL <= 0 {
		cfg.AppliedTTL = def.AppliedTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:   cfg,
		applied:  expirable.NewLRU[appliedKey, time.Time](cfg.MaxApplied, nil, cfg.AppliedTTL),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock sets the time source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithNotifyErrorHook registers fn to run when a notification fails.
func (d *Dispatcher) WithNotifyErrorHook(fn func(error)) *Dispatcher {
	d.onError = fn
	return d
}

// Execute applies the action mapped from verdict to address.
func (d *Dispatcher) Execute(ctx context.Context, address string, verdict decision.Verdict) ActionResult {
	action := ActionFor(verdict)
	result := ActionResult{
		Action:    action,
		Timestamp: d.now().UTC(),
		Address:   address,
		Verdict:   verdict,
	}

	if action == ActionNoop {
		result.Message = fmt.Sprintf("no action required for %s", verdict)
		return result
	}

	result.Executed = true
	result.Command = d.config.Backend.Command(action, address, d.config.RateLimit)

	key := appliedKey{address: address, action: action}
	d.mu.Lock()
	first, seen := d.applied.Get(key)
	if !seen {
		d.applied.Add(key, result.Timestamp)
	}
	d.mu.Unlock()

	if seen {
		result.Message = fmt.Sprintf("%s already applied to %s at %s", action, address, first.Format(time.RFC3339))
		return result
	}

	result.Message = fmt.Sprintf("%s applied to %s (simulated)", action, address)

	switch action {
	case ActionFirewallBlock:
		d.logger.Warn("blocked IP address",
			"ip", address,
			"decision", verdict.String(),
			"command", result.Command,
		)
	case ActionRateLimit:
		d.logger.Warn("rate limited IP address",
			"ip", address,
			"command", result.Command,
		)
	default:
		d.logger.Info("alert raised", "ip", address, "decision", verdict.String())
	}

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, newNotification(result)); err != nil {
			d.logger.Error("failed to publish enforcement notification",
				"ip", address,
				"action", string(action),
				"error", err,
			)
			if d.onError != nil {
				d.onError(err)
			}
		}
	}

	return result
}

// IsApplied reports whether action was applied to address within the TTL.
func (d *Dispatcher) IsApplied(address string, action Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.applied.Peek(appliedKey{address: address, action: action})
	return ok
}

// Applied returns the number of remembered applied actions.
func (d *Dispatcher) Applied() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied.Len()
}

// Close closes the notifier.
func (d *Dispatcher) Close() error {
	if d.notifier == nil {
		return nil
	}
	return d.notifier.Close()
}
