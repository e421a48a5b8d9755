// Package analytics summarizes stored detections for dashboards: the most
// active sources, the label mix, per-label trends and an overall summary.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"nids-responder/internal/schema"
)

// DefaultTopLimit is the number of attackers returned when no limit is given.
const DefaultTopLimit = 5

// MaxTopLimit bounds TopAttackers requests.
var MaxTopLimit = 1000

// Attacker is one source address ranked by detection count.
type Attacker struct {
	Address   string    `json:"ip"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// TopAttackers ranks addresses by detection count, most active first.
// Ties are ordered by address. A non-positive or oversized limit falls
// back to DefaultTopLimit.
func TopAttackers(events []schema.DetectionEvent, limit int) []Attacker {
	if limit <= 0 || limit > MaxTopLimit {
		limit = DefaultTopLimit
	}

	byAddr := make(map[string]*Attacker)
	for _, e := range events {
		if e.Address == "" || e.Timestamp.IsZero() {
			continue
		}
		a, ok := byAddr[e.Address]
		if !ok {
			a = &Attacker{Address: e.Address, FirstSeen: e.Timestamp, LastSeen: e.Timestamp}
			byAddr[e.Address] = a
		}
		a.Count++
		if e.Timestamp.Before(a.FirstSeen) {
			a.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(a.LastSeen) {
			a.LastSeen = e.Timestamp
		}
	}

	out := make([]Attacker, 0, len(byAddr))
	for _, a := range byAddr {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Address < out[j].Address
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LabelShare is the count of one label and its share of all detections.
type LabelShare struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Distribution is the label mix of a set of detections.
type Distribution struct {
	Total  int                   `json:"total"`
	Labels map[string]LabelShare `json:"distribution"`
}

// LabelDistribution counts detections per attack label. Percentages are
// rounded to two decimals.
func LabelDistribution(events []schema.DetectionEvent) Distribution {
	counts := make(map[string]int)
	total := 0
	for _, e := range events {
		if e.AttackLabel == "" {
			continue
		}
		counts[e.AttackLabel]++
		total++
	}

	d := Distribution{Total: total, Labels: make(map[string]LabelShare, len(counts))}
	for label, n := range counts {
		d.Labels[label] = LabelShare{
			Count:      n,
			Percentage: round2(float64(n) / float64(total) * 100),
		}
	}
	return d
}

// Bucket is the number of detections starting at Start.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Trend holds per-label detection counts bucketed by interval.
type Trend struct {
	Interval string              `json:"interval"`
	Series   map[string][]Bucket `json:"trends"`
}

// Trends buckets detections per label. Buckets are aligned to the
// interval in UTC and ordered by time; empty buckets are left out.
func Trends(events []schema.DetectionEvent, interval time.Duration) (Trend, error) {
	if interval <= 0 {
		return Trend{}, fmt.Errorf("analytics: invalid interval %v", interval)
	}

	counts := make(map[string]map[time.Time]int)
	for _, e := range events {
		if e.AttackLabel == "" || e.Timestamp.IsZero() {
			continue
		}
		start := e.Timestamp.UTC().Truncate(interval)
		series, ok := counts[e.AttackLabel]
		if !ok {
			series = make(map[time.Time]int)
			counts[e.AttackLabel] = series
		}
		series[start]++
	}

	t := Trend{Interval: interval.String(), Series: make(map[string][]Bucket, len(counts))}
	for label, series := range counts {
		buckets := make([]Bucket, 0, len(series))
		for start, n := range series {
			buckets = append(buckets, Bucket{Start: start, Count: n})
		}
		sort.Slice(buckets, func(i, j int) bool {
			return buckets[i].Start.Before(buckets[j].Start)
		})
		t.Series[label] = buckets
	}
	return t, nil
}

// Summary is a snapshot of detection activity.
type Summary struct {
	TotalDetections  int            `json:"total_detections"`
	UniqueAddresses  int            `json:"unique_ips"`
	UniqueBlockedIPs int            `json:"unique_blocked_ips"`
	HardBlocked      int            `json:"hard_blocked"`
	ByLabel          map[string]int `json:"by_label"`
	LastDetection    *time.Time     `json:"last_detection"`
}

// Summarize totals events. UniqueBlockedIPs counts addresses the sensor
// reported as blocked; hardBlocked is the size of the responder's own
// hard-block set.
func Summarize(events []schema.DetectionEvent, hardBlocked int) Summary {
	s := Summary{HardBlocked: hardBlocked, ByLabel: make(map[string]int)}

	addrs := make(map[string]struct{})
	blocked := make(map[string]struct{})
	var last time.Time
	for _, e := range events {
		s.TotalDetections++
		if e.AttackLabel != "" {
			s.ByLabel[e.AttackLabel]++
		}
		if e.Address != "" {
			addrs[e.Address] = struct{}{}
			if e.Outcome == schema.OutcomeBlocked {
				blocked[e.Address] = struct{}{}
			}
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}

	s.UniqueAddresses = len(addrs)
	s.UniqueBlockedIPs = len(blocked)
	if !last.IsZero() {
		s.LastDetection = &last
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
