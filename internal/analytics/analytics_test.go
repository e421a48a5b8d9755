package analytics

import (
	"testing"
	"time"

	"nids-responder/internal/schema"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func event(address, label string, offset time.Duration, outcome schema.Outcome) schema.DetectionEvent {
	return schema.DetectionEvent{
		Address:     address,
		Timestamp:   base.Add(offset),
		AttackLabel: label,
		Outcome:     outcome,
	}
}

func sample() []schema.DetectionEvent {
	return []schema.DetectionEvent{
		event("10.0.0.1", "bruteforce", 0, schema.OutcomeBlocked),
		event("10.0.0.1", "bruteforce", 30*time.Second, schema.OutcomeBlocked),
		event("10.0.0.1", "port_scan", 90*time.Second, schema.OutcomeObserved),
		event("10.0.0.2", "port_scan", 10*time.Second, schema.OutcomeObserved),
		event("10.0.0.3", "ddos", 20*time.Second, schema.OutcomeObserved),
		event("10.0.0.3", "ddos", 5*time.Minute, schema.OutcomeBlocked),
	}
}

func TestTopAttackers(t *testing.T) {
	got := TopAttackers(sample(), 2)

	if len(got) != 2 {
		t.Fatalf("TopAttackers() returned %d, want 2", len(got))
	}
	if got[0].Address != "10.0.0.1" || got[0].Count != 3 {
		t.Errorf("first = %+v, want 10.0.0.1 with 3", got[0])
	}
	if got[1].Address != "10.0.0.3" || got[1].Count != 2 {
		t.Errorf("second = %+v, want 10.0.0.3 with 2", got[1])
	}
	if !got[0].FirstSeen.Equal(base) || !got[0].LastSeen.Equal(base.Add(90*time.Second)) {
		t.Errorf("seen range = %v..%v", got[0].FirstSeen, got[0].LastSeen)
	}
}

func TestTopAttackers_Limits(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, 3},
		{"negative uses default", -1, 3},
		{"larger than data", 50, 3},
		{"oversized uses default", MaxTopLimit + 1, 3},
		{"one", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TopAttackers(sample(), tt.limit); len(got) != tt.want {
				t.Errorf("TopAttackers(limit=%d) returned %d, want %d", tt.limit, len(got), tt.want)
			}
		})
	}
}

func TestTopAttackers_Empty(t *testing.T) {
	got := TopAttackers(nil, 5)
	if got == nil || len(got) != 0 {
		t.Errorf("TopAttackers(nil) = %v, want empty non-nil slice", got)
	}
}

func TestLabelDistribution(t *testing.T) {
	d := LabelDistribution(sample())

	if d.Total != 6 {
		t.Errorf("Total = %d, want 6", d.Total)
	}
	want := map[string]LabelShare{
		"bruteforce": {Count: 2, Percentage: 33.33},
		"port_scan":  {Count: 2, Percentage: 33.33},
		"ddos":       {Count: 2, Percentage: 33.33},
	}
	for label, share := range want {
		if d.Labels[label] != share {
			t.Errorf("Labels[%s] = %+v, want %+v", label, d.Labels[label], share)
		}
	}
}

func TestLabelDistribution_Empty(t *testing.T) {
	d := LabelDistribution(nil)
	if d.Total != 0 || len(d.Labels) != 0 {
		t.Errorf("LabelDistribution(nil) = %+v, want empty", d)
	}
}

func TestTrends(t *testing.T) {
	tr, err := Trends(sample(), time.Minute)
	if err != nil {
		t.Fatalf("Trends() error = %v", err)
	}

	brute := tr.Series["bruteforce"]
	if len(brute) != 1 || brute[0].Count != 2 || !brute[0].Start.Equal(base) {
		t.Errorf("bruteforce = %+v, want one bucket of 2 at %v", brute, base)
	}

	ddos := tr.Series["ddos"]
	if len(ddos) != 2 {
		t.Fatalf("ddos buckets = %d, want 2", len(ddos))
	}
	if !ddos[0].Start.Before(ddos[1].Start) {
		t.Errorf("ddos buckets not in time order: %+v", ddos)
	}
	if tr.Interval != "1m0s" {
		t.Errorf("Interval = %q, want 1m0s", tr.Interval)
	}
}

func TestTrends_InvalidInterval(t *testing.T) {
	if _, err := Trends(sample(), 0); err == nil {
		t.Error("Trends(0) error = nil, want error")
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sample(), 4)

	if s.TotalDetections != 6 {
		t.Errorf("TotalDetections = %d, want 6", s.TotalDetections)
	}
	if s.UniqueAddresses != 3 {
		t.Errorf("UniqueAddresses = %d, want 3", s.UniqueAddresses)
	}
	if s.UniqueBlockedIPs != 2 {
		t.Errorf("UniqueBlockedIPs = %d, want 2", s.UniqueBlockedIPs)
	}
	if s.HardBlocked != 4 {
		t.Errorf("HardBlocked = %d, want 4", s.HardBlocked)
	}
	if s.ByLabel["ddos"] != 2 {
		t.Errorf("ByLabel[ddos] = %d, want 2", s.ByLabel["ddos"])
	}
	if s.LastDetection == nil || !s.LastDetection.Equal(base.Add(5*time.Minute)) {
		t.Errorf("LastDetection = %v, want %v", s.LastDetection, base.Add(5*time.Minute))
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, 0)
	if s.TotalDetections != 0 || s.LastDetection != nil {
		t.Errorf("Summarize(nil) = %+v, want zero summary", s)
	}
}
