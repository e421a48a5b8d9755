package correlation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"nids-responder/internal/eventstore"
	"nids-responder/internal/schema"
	"nids-responder/internal/window"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func detections(address, label string, n int, at time.Time) []schema.DetectionEvent {
	out := make([]schema.DetectionEvent, n)
	for i := range out {
		out[i] = schema.DetectionEvent{
			Address:     address,
			Timestamp:   at,
			AttackLabel: label,
			Outcome:     schema.OutcomeBlocked,
		}
	}
	return out
}

func newTestCorrelator(events ...schema.DetectionEvent) *Correlator {
	store := eventstore.NewMemoryStore(events...)
	return NewCorrelator(store, nil).WithClock(func() time.Time { return testNow })
}

func TestCorrelate_EmptyStore(t *testing.T) {
	c := newTestCorrelator()

	got, err := c.Correlate(context.Background(), "5m")
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Correlate() = %v, want empty non-nil slice", got)
	}
}

func TestCorrelate_MissingFile(t *testing.T) {
	store := eventstore.NewCSVStore(filepath.Join(t.TempDir(), "none.csv"), nil)
	c := NewCorrelator(store, nil)

	got, err := c.Correlate(context.Background(), "5m")
	if err != nil {
		t.Fatalf("Correlate() error = %v, want nil for unavailable data", err)
	}
	if len(got) != 0 {
		t.Errorf("Correlate() returned %d correlations, want 0", len(got))
	}
}

func TestCorrelate_InvalidWindow(t *testing.T) {
	c := newTestCorrelator(detections("10.0.0.1", "ddos", 3, testNow)...)

	got, err := c.Correlate(context.Background(), "2m")
	if !errors.Is(err, window.ErrInvalidWindow) {
		t.Fatalf("Correlate() error = %v, want ErrInvalidWindow", err)
	}
	if len(got) != 0 {
		t.Errorf("Correlate() returned %d correlations, want 0", len(got))
	}
}

func TestCorrelate_GroupsAndWindows(t *testing.T) {
	var events []schema.DetectionEvent
	events = append(events, detections("10.0.0.1", "ddos", 4, testNow.Add(-time.Minute))...)
	events = append(events, detections("10.0.0.1", "port_scan", 1, testNow.Add(-2*time.Minute))...)
	events = append(events, detections("10.0.0.2", "bruteforce", 1, testNow.Add(-3*time.Minute))...)
	// outside the 5m window
	events = append(events, detections("10.0.0.3", "ddos", 9, testNow.Add(-20*time.Minute))...)

	c := newTestCorrelator(events...)
	got, err := c.Correlate(context.Background(), "5m")
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("Correlate() returned %d correlations, want 3", len(got))
	}

	// mean = 6/3 = 2, threshold = 2
	want := []struct {
		address string
		label   string
		count   int
		burst   bool
	}{
		{"10.0.0.1", "ddos", 4, true},
		{"10.0.0.1", "port_scan", 1, false},
		{"10.0.0.2", "bruteforce", 1, false},
	}
	for i, w := range want {
		g := got[i]
		if g.Address != w.address || g.AttackLabel != w.label || g.Count != w.count || g.IsBurst != w.burst {
			t.Errorf("Correlate()[%d] = %+v, want %+v", i, g, w)
		}
		if g.BurstThreshold != 2 {
			t.Errorf("Correlate()[%d].BurstThreshold = %d, want 2", i, g.BurstThreshold)
		}
		if g.Window != "5m" {
			t.Errorf("Correlate()[%d].Window = %q, want 5m", i, g.Window)
		}
	}

	got, err = c.Correlate(context.Background(), "30m")
	if err != nil {
		t.Fatalf("Correlate(30m) error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("Correlate(30m) returned %d correlations, want 4", len(got))
	}
}

func TestCorrelate_DropsMalformedEvents(t *testing.T) {
	events := detections("10.0.0.1", "ddos", 2, testNow)
	events = append(events,
		schema.DetectionEvent{Address: "not-an-ip", Timestamp: testNow, AttackLabel: "ddos", Outcome: schema.OutcomeBlocked},
		schema.DetectionEvent{Address: "10.0.0.2", Timestamp: testNow, AttackLabel: "", Outcome: schema.OutcomeBlocked},
	)

	var hooked int
	c := newTestCorrelator(events...).WithDropHook(func(n int) { hooked += n })

	got, err := c.Correlate(context.Background(), "1m")
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) != 1 || got[0].Count != 2 {
		t.Errorf("Correlate() = %+v, want one group of 2", got)
	}
	if c.Dropped() != 2 || hooked != 2 {
		t.Errorf("Dropped() = %d, hook = %d, want 2", c.Dropped(), hooked)
	}
}

func TestCorrelate_FirstAndLastSeen(t *testing.T) {
	events := []schema.DetectionEvent{
		{Address: "10.0.0.1", Timestamp: testNow.Add(-3 * time.Minute), AttackLabel: "ddos", Outcome: schema.OutcomeBlocked},
		{Address: "10.0.0.1", Timestamp: testNow.Add(-1 * time.Minute), AttackLabel: "ddos", Outcome: schema.OutcomeBlocked},
		{Address: "10.0.0.1", Timestamp: testNow.Add(-4 * time.Minute), AttackLabel: "ddos", Outcome: schema.OutcomeBlocked},
	}
	got := Build(events, "5m")
	if len(got) != 1 {
		t.Fatalf("Build() returned %d, want 1", len(got))
	}
	if !got[0].FirstSeen.Equal(testNow.Add(-4*time.Minute)) || !got[0].LastSeen.Equal(testNow.Add(-time.Minute)) {
		t.Errorf("FirstSeen/LastSeen = %v/%v", got[0].FirstSeen, got[0].LastSeen)
	}
}

func TestBurstThreshold(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
		want   int
	}{
		{"empty", nil, 2},
		{"all ones", []int{1, 1, 1}, 2},
		{"mean 3.5 rounds up", []int{3, 4}, 4},
		{"mean rounds half up", []int{2, 3}, 3},
		{"mean 4.4", []int{1, 1, 1, 1, 18}, 4},
		{"single large", []int{10}, 10},
		{"mean 2.4", []int{2, 2, 3, 2, 3}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BurstThreshold(tt.counts)
			if got != tt.want {
				t.Errorf("BurstThreshold(%v) = %d, want %d", tt.counts, got, tt.want)
			}
			if got < MinBurstThreshold {
				t.Errorf("BurstThreshold(%v) = %d, below minimum", tt.counts, got)
			}
		})
	}
}

func TestBurstFlagMatchesThreshold(t *testing.T) {
	var events []schema.DetectionEvent
	for i, n := range []int{1, 2, 5, 8} {
		addr := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}[i]
		events = append(events, detections(addr, "ddos", n, testNow)...)
	}

	got := Build(events, "5m")
	// mean = 16/4 = 4
	for _, c := range got {
		if c.BurstThreshold != 4 {
			t.Errorf("%s threshold = %d, want 4", c.Address, c.BurstThreshold)
		}
		if c.IsBurst != (c.Count >= 4) {
			t.Errorf("%s IsBurst = %v with count %d", c.Address, c.IsBurst, c.Count)
		}
	}
}

func TestHelpers(t *testing.T) {
	corrs := []Correlation{
		{Address: "10.0.0.1", AttackLabel: "ddos", Count: 3},
		{Address: "10.0.0.1", AttackLabel: "bruteforce", Count: 2},
		{Address: "10.0.0.2", AttackLabel: "ddos", Count: 7},
	}

	mine := ForAddress(corrs, "10.0.0.1")
	if len(mine) != 2 {
		t.Fatalf("ForAddress() returned %d, want 2", len(mine))
	}
	if TotalCount(mine) != 5 {
		t.Errorf("TotalCount() = %d, want 5", TotalCount(mine))
	}
	labels := Labels(corrs)
	if len(labels) != 2 || labels[0] != "bruteforce" || labels[1] != "ddos" {
		t.Errorf("Labels() = %v", labels)
	}
}

func TestCorrelate_LabelsAndAddressSpellings(t *testing.T) {
	var events []schema.DetectionEvent
	events = append(events, detections("10.0.0.7", "sql-injection", 6, testNow)...)
	events = append(events, detections("10.0.0.8", "DDoS", 6, testNow)...)
	events = append(events, detections("::ffff:10.0.0.8", "DDoS", 2, testNow)...)
	events = append(events, detections("2001:DB8::1", "ddos", 3, testNow)...)
	events = append(events, detections("2001:db8:0:0::1", "ddos", 3, testNow)...)
	events = append(events, detections("2001:db8::1", "PortScan", 1, testNow)...)

	c := newTestCorrelator(events...)
	got, err := c.Correlate(context.Background(), "1m")
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if c.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", c.Dropped())
	}

	want := []struct {
		address string
		label   string
		count   int
	}{
		{"10.0.0.7", "sql-injection", 6},
		{"10.0.0.8", "DDoS", 8},
		{"2001:db8::1", "PortScan", 1},
		{"2001:db8::1", "ddos", 6},
	}
	if len(got) != len(want) {
		t.Fatalf("Correlate() returned %d correlations, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Address != w.address || got[i].AttackLabel != w.label || got[i].Count != w.count {
			t.Errorf("correlation %d = %s/%s/%d, want %s/%s/%d",
				i, got[i].Address, got[i].AttackLabel, got[i].Count, w.address, w.label, w.count)
		}
	}
}
