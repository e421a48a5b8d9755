// Package correlation groups recent detections into per-address, per-label
// correlations and flags bursts against a threshold derived from the window.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"nids-responder/internal/eventstore"
	"nids-responder/internal/schema"
	"nids-responder/internal/window"
)

// MinBurstThreshold is the lowest count that can ever be a burst.
const MinBurstThreshold = 2

// Correlation is the aggregate of same-label detections for one address
// within one window. It is recomputed on every evaluation.
type Correlation struct {
	Address        string    `json:"ip"`
	AttackLabel    string    `json:"label"`
	Count          int       `json:"count"`
	Window         string    `json:"window"`
	IsBurst        bool      `json:"burst"`
	BurstThreshold int       `json:"threshold"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Correlator reads the event store and builds correlations.
type Correlator struct {
	store     eventstore.Store
	validator *schema.Validator
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
	onDrop    func(n int)
	dropped   atomic.Int64
}

// NewCorrelator creates a correlator over store.
func NewCorrelator(store eventstore.Store, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:     store,
		validator: schema.NewValidator(),
		logger:    logger,
		timeout:   10 * time.Second,
		now:       time.Now,
	}
}

// WithQueryTimeout bounds each event store read.
func (c *Correlator) WithQueryTimeout(d time.Duration) *Correlator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithClock replaces the evaluation clock.
func (c *Correlator) WithClock(now func() time.Time) *Correlator {
	c.now = now
	return c
}

// WithDropHook registers a callback invoked with the number of malformed
// events dropped by each call.
func (c *Correlator) WithDropHook(fn func(n int)) *Correlator {
	c.onDrop = fn
	return c
}

// Now returns the correlator's current evaluation time.
func (c *Correlator) Now() time.Time {
	return c.now()
}

// Dropped returns the total number of malformed events dropped.
func (c *Correlator) Dropped() int64 {
	return c.dropped.Load()
}

// Correlate builds the correlations for the window named by token.
// An unknown token returns an empty result and an error wrapping
// window.ErrInvalidWindow. A missing store is an empty result.
func (c *Correlator) Correlate(ctx context.Context, token string) ([]Correlation, error) {
	w, err := window.Parse(token)
	if err != nil {
		return []Correlation{}, err
	}

	events, err := c.query(ctx, w)
	if err != nil {
		return []Correlation{}, err
	}

	valid := events[:0]
	dropped := 0
	for i := range events {
		if err := c.validator.Check(&events[i]); err != nil {
			dropped++
			continue
		}
		valid = append(valid, events[i])
	}
	if dropped > 0 {
		c.dropped.Add(int64(dropped))
		if c.onDrop != nil {
			c.onDrop(dropped)
		}
		c.logger.Debug("dropped malformed detections", "window", token, "count", dropped)
	}

	return Build(valid, w.Token), nil
}

// Events returns the raw events for a window, for callers that need more
// than the aggregate view.
func (c *Correlator) Events(ctx context.Context, token string) ([]schema.DetectionEvent, error) {
	w, err := window.Parse(token)
	if err != nil {
		return nil, err
	}
	return c.query(ctx, w)
}

func (c *Correlator) query(ctx context.Context, w window.Window) ([]schema.DetectionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	events, err := c.store.Query(ctx, w.Since(c.now()))
	if err != nil {
		if errors.Is(err, eventstore.ErrDataUnavailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("correlation: query events: %w", err)
	}
	return events, nil
}

type groupKey struct {
	address string
	label   string
}

// Build groups events by (address, label) and flags bursts. Addresses are
// grouped in canonical form; labels are kept as given. The result is
// ordered by address, then label.
func Build(events []schema.DetectionEvent, token string) []Correlation {
	groups := make(map[groupKey]*Correlation)
	for _, e := range events {
		addr := schema.CanonicalAddress(e.Address)
		key := groupKey{address: addr, label: e.AttackLabel}
		g, ok := groups[key]
		if !ok {
			g = &Correlation{
				Address:     addr,
				AttackLabel: e.AttackLabel,
				Window:      token,
				FirstSeen:   e.Timestamp,
				LastSeen:    e.Timestamp,
			}
			groups[key] = g
		}
		g.Count++
		if e.Timestamp.Before(g.FirstSeen) {
			g.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
		}
	}

	if len(groups) == 0 {
		return []Correlation{}
	}

	counts := make([]int, 0, len(groups))
	for _, g := range groups {
		counts = append(counts, g.Count)
	}
	threshold := BurstThreshold(counts)

	out := make([]Correlation, 0, len(groups))
	for _, g := range groups {
		g.BurstThreshold = threshold
		g.IsBurst = g.Count >= threshold
		out = append(out, *g)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].AttackLabel < out[j].AttackLabel
	})
	return out
}

// BurstThreshold returns max(2, round(mean(counts))).
func BurstThreshold(counts []int) int {
	if len(counts) == 0 {
		return MinBurstThreshold
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	mean := float64(total) / float64(len(counts))
	threshold := int(math.Round(mean))
	if threshold < MinBurstThreshold {
		return MinBurstThreshold
	}
	return threshold
}

// ForAddress returns the correlations belonging to address.
func ForAddress(corrs []Correlation, address string) []Correlation {
	var out []Correlation
	for _, c := range corrs {
		if c.Address == address {
			out = append(out, c)
		}
	}
	return out
}

// TotalCount sums the counts of corrs.
func TotalCount(corrs []Correlation) int {
	total := 0
	for _, c := range corrs {
		total += c.Count
	}
	return total
}

// Labels returns the distinct labels in corrs, sorted.
func Labels(corrs []Correlation) []string {
	seen := make(map[string]struct{}, len(corrs))
	var out []string
	for _, c := range corrs {
		if _, ok := seen[c.AttackLabel]; ok {
			continue
		}
		seen[c.AttackLabel] = struct{}{}
		out = append(out, c.AttackLabel)
	}
	sort.Strings(out)
	return out
}
