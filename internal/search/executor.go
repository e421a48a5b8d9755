package search

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"nids-responder/internal/eventstore"
	"nids-responder/internal/schema"
)

// Defaults for Search.
const (
	DefaultLimit    = 100
	MaxLimit        = 10000
	DefaultLookback = 24 * time.Hour
	topN            = 10
)

// Bucket is one aggregation entry.
type Bucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Response is the result of one search.
type Response struct {
	Query        string                  `json:"query"`
	Since        time.Time               `json:"since"`
	Total        int                     `json:"total"`
	Detections   []schema.DetectionEvent `json:"detections"`
	TopLabels    []Bucket                `json:"top_labels"`
	TopAddresses []Bucket                `json:"top_addresses"`
	Took         string                  `json:"took"`
}

// Options bound one search.
type Options struct {
	Limit int
	// Lookback applies when the query has no lower bound on timestamp.
	Lookback time.Duration
}

// Executor runs queries against an event store.
type Executor struct {
	store  eventstore.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewExecutor creates an executor over store.
func NewExecutor(store eventstore.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the clock used for relative times and lookback.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Parse parses query anchored at the executor's clock.
func (e *Executor) Parse(query string) (*Query, error) {
	return ParseQuery(query, e.now().UTC())
}

// Search reads detections since the query's lower bound (or the lookback),
// filters them, and returns the newest matches first.
func (e *Executor) Search(ctx context.Context, q *Query, opts Options) (*Response, error) {
	start := time.Now()
	if opts.Limit <= 0 || opts.Limit > MaxLimit {
		opts.Limit = DefaultLimit
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}

	since, ok := q.LowerBound()
	if !ok {
		since = e.now().UTC().Add(-opts.Lookback)
	}

	events, err := e.store.Query(ctx, since)
	if err != nil && !errors.Is(err, eventstore.ErrDataUnavailable) {
		return nil, err
	}

	matched := make([]schema.DetectionEvent, 0)
	labels := make(map[string]int)
	addrs := make(map[string]int)
	for _, ev := range events {
		if !q.Match(ev) {
			continue
		}
		matched = append(matched, ev)
		labels[ev.AttackLabel]++
		addrs[ev.Address]++
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	resp := &Response{
		Query:        q.String(),
		Since:        since,
		Total:        len(matched),
		TopLabels:    topBuckets(labels),
		TopAddresses: topBuckets(addrs),
	}
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	resp.Detections = matched
	resp.Took = time.Since(start).String()

	e.logger.Debug("search executed",
		"query", truncateForLog(q.Raw, 200),
		"scanned", len(events),
		"matched", resp.Total,
	)
	return resp, nil
}

func topBuckets(counts map[string]int) []Bucket {
	buckets := make([]Bucket, 0, len(counts))
	for k, n := range counts {
		buckets = append(buckets, Bucket{Key: k, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
	if len(buckets) > topN {
		buckets = buckets[:topN]
	}
	return buckets
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Match reports whether ev satisfies the query. An empty query matches
// everything.
func (q *Query) Match(ev schema.DetectionEvent) bool {
	if len(q.Groups) == 0 {
		return true
	}
	for _, group := range q.Groups {
		all := true
		for i := range group {
			if !group[i].Match(ev) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// Match reports whether ev satisfies the condition.
func (c *Condition) Match(ev schema.DetectionEvent) bool {
	switch c.Field {
	case FieldTimestamp:
		return c.matchTime(ev.Timestamp)
	case FieldAddress:
		return c.matchAddress(ev.Address)
	case FieldLabel:
		return c.matchString(ev.AttackLabel)
	case FieldOutcome:
		return c.matchString(string(ev.Outcome))
	case FieldAny:
		hit := containsFold(ev.Address, c.Value) || containsFold(ev.AttackLabel, c.Value)
		if c.Operator == OpNotContains {
			return !hit
		}
		return hit
	}
	return false
}

func (c *Condition) matchTime(t time.Time) bool {
	switch c.Operator {
	case OpEquals:
		return t.Equal(c.at)
	case OpNotEquals:
		return !t.Equal(c.at)
	case OpGreater:
		return t.After(c.at)
	case OpGreaterEq:
		return !t.Before(c.at)
	case OpLess:
		return t.Before(c.at)
	case OpLessEq:
		return !t.After(c.at)
	}
	return false
}

func (c *Condition) matchAddress(s string) bool {
	if c.prefix.IsValid() || c.addr.IsValid() {
		addr, err := netip.ParseAddr(s)
		hit := false
		if err == nil {
			addr = addr.Unmap()
			if c.prefix.IsValid() {
				hit = c.prefix.Contains(addr)
			} else {
				hit = addr == c.addr
			}
		}
		if c.Operator == OpNotEquals {
			return !hit
		}
		return hit
	}
	return c.matchString(s)
}

func (c *Condition) matchString(s string) bool {
	var hit bool
	switch c.Operator {
	case OpEquals, OpNotEquals:
		if c.pattern != nil {
			hit = c.pattern.MatchString(s)
		} else {
			hit = strings.EqualFold(s, c.Value)
		}
	case OpContains, OpNotContains:
		hit = containsFold(s, c.Value)
	}
	if c.Operator == OpNotEquals || c.Operator == OpNotContains {
		return !hit
	}
	return hit
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
