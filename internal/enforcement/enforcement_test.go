package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"nids-responder/internal/decision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.err
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func TestActionForCoversEveryVerdict(t *testing.T) {
	want := map[decision.Verdict]Action{
		decision.Allow:         ActionNoop,
		decision.Monitor:       ActionNoop,
		decision.Alert:         ActionAlert,
		decision.RateLimit:     ActionRateLimit,
		decision.Block:         ActionFirewallBlock,
		decision.BlockEscalate: ActionFirewallBlock,
	}
	for _, v := range decision.Verdicts() {
		if got := ActionFor(v); got != want[v] {
			t.Errorf("ActionFor(%s) = %s, want %s", v, got, want[v])
		}
	}
	if got := ActionFor(decision.Verdict(42)); got != ActionNoop {
		t.Errorf("ActionFor(unknown) = %s, want noop", got)
	}
}

func TestBackendCommand(t *testing.T) {
	tests := []struct {
		backend Backend
		action  Action
		want    string
	}{
		{BackendIptables, ActionFirewallBlock, "iptables -A INPUT -s 10.0.0.1 -j DROP"},
		{BackendIptables, ActionRateLimit, "iptables -A INPUT -s 10.0.0.1 -m limit --limit 10/second -j ACCEPT"},
		{BackendNftables, ActionFirewallBlock, "nft add rule inet filter input ip saddr 10.0.0.1 drop"},
		{BackendIptables, ActionAlert, ""},
		{BackendNftables, ActionNoop, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.backend)+"/"+string(tt.action), func(t *testing.T) {
			if got := tt.backend.Command(tt.action, "10.0.0.1", "10/second"); got != tt.want {
				t.Errorf("Command() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		verdict      decision.Verdict
		wantAction   Action
		wantExecuted bool
	}{
		{decision.Allow, ActionNoop, false},
		{decision.Monitor, ActionNoop, false},
		{decision.Alert, ActionAlert, true},
		{decision.RateLimit, ActionRateLimit, true},
		{decision.Block, ActionFirewallBlock, true},
		{decision.BlockEscalate, ActionFirewallBlock, true},
	}

	for _, tt := range tests {
		t.Run(tt.verdict.String(), func(t *testing.T) {
			d := NewDispatcher(DefaultConfig(), nil, testLogger())
			got := d.Execute(context.Background(), "10.0.0.1", tt.verdict)
			if got.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", got.Action, tt.wantAction)
			}
			if got.Executed != tt.wantExecuted {
				t.Errorf("Executed = %v, want %v", got.Executed, tt.wantExecuted)
			}
			if got.Message == "" {
				t.Error("Message is empty")
			}
			if got.Address != "10.0.0.1" || got.Verdict != tt.verdict {
				t.Errorf("result = %+v, want address and verdict echoed", got)
			}
		})
	}
}

func TestExecuteIdempotent(t *testing.T) {
	n := &recordingNotifier{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDispatcher(DefaultConfig(), n, testLogger()).WithClock(func() time.Time { return now })

	first := d.Execute(context.Background(), "10.0.0.9", decision.Block)
	second := d.Execute(context.Background(), "10.0.0.9", decision.Block)

	if first.Action != second.Action || first.Executed != second.Executed {
		t.Errorf("repeat = (%s, %v), want (%s, %v)", second.Action, second.Executed, first.Action, first.Executed)
	}
	if !strings.Contains(second.Message, "already applied") {
		t.Errorf("repeat Message = %q, want already applied", second.Message)
	}
	if got := n.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
	if got := d.Applied(); got != 1 {
		t.Errorf("Applied() = %d, want 1", got)
	}

	// BLOCK_ESCALATE maps to the same action and is already applied.
	escalated := d.Execute(context.Background(), "10.0.0.9", decision.BlockEscalate)
	if !strings.Contains(escalated.Message, "already applied") {
		t.Errorf("escalate Message = %q, want already applied", escalated.Message)
	}
	if !d.IsApplied("10.0.0.9", ActionFirewallBlock) {
		t.Error("IsApplied() = false, want true")
	}
}

func TestExecuteForgetsLeastRecentlyApplied(t *testing.T) {
	n := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.MaxApplied = 2
	d := NewDispatcher(cfg, n, testLogger())
	ctx := context.Background()

	for _, ip := range []string{"10.0.1.1", "10.0.1.2", "10.0.1.3"} {
		d.Execute(ctx, ip, decision.Block)
	}
	if got := d.Applied(); got != 2 {
		t.Errorf("Applied() = %d, want 2", got)
	}
	if d.IsApplied("10.0.1.1", ActionFirewallBlock) {
		t.Error("IsApplied(10.0.1.1) = true, want evicted")
	}
	if !d.IsApplied("10.0.1.3", ActionFirewallBlock) {
		t.Error("IsApplied(10.0.1.3) = false, want true")
	}

	again := d.Execute(ctx, "10.0.1.1", decision.Block)
	if strings.Contains(again.Message, "already applied") {
		t.Errorf("Message = %q, want a fresh application", again.Message)
	}
	if got := n.count(); got != 4 {
		t.Errorf("notifications = %d, want 4", got)
	}
}

func TestExecuteReappliesAfterTTL(t *testing.T) {
	n := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.AppliedTTL = 20 * time.Millisecond
	d := NewDispatcher(cfg, n, testLogger())
	ctx := context.Background()

	d.Execute(ctx, "10.0.2.1", decision.Block)
	if repeat := d.Execute(ctx, "10.0.2.1", decision.Block); !strings.Contains(repeat.Message, "already applied") {
		t.Errorf("repeat within TTL Message = %q, want already applied", repeat.Message)
	}

	time.Sleep(60 * time.Millisecond)

	if d.IsApplied("10.0.2.1", ActionFirewallBlock) {
		t.Error("IsApplied() = true after TTL, want false")
	}
	later := d.Execute(ctx, "10.0.2.1", decision.Block)
	if !later.Executed || strings.Contains(later.Message, "already applied") {
		t.Errorf("Execute() after TTL = %+v, want a fresh application", later)
	}
	if got := n.count(); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestExecuteNotifierFailureDoesNotFail(t *testing.T) {
	n := &recordingNotifier{err: errors.New("broker down")}
	var hookErrs int
	d := NewDispatcher(DefaultConfig(), n, testLogger()).WithNotifyErrorHook(func(error) { hookErrs++ })

	got := d.Execute(context.Background(), "10.0.0.2", decision.RateLimit)
	if !got.Executed || got.Action != ActionRateLimit {
		t.Errorf("Execute() = %+v, want executed rate_limit", got)
	}
	if hookErrs != 1 {
		t.Errorf("error hook calls = %d, want 1", hookErrs)
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestNoopDoesNotNotify(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(DefaultConfig(), n, testLogger())
	d.Execute(context.Background(), "10.0.0.3", decision.Allow)
	d.Execute(context.Background(), "10.0.0.3", decision.Monitor)
	if n.count() != 0 {
		t.Errorf("notifications = %d, want 0", n.count())
	}
	if d.Applied() != 0 {
		t.Errorf("Applied() = %d, want 0", d.Applied())
	}
}

func TestExecuteConcurrent(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(DefaultConfig(), n, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Execute(context.Background(), "10.0.0.4", decision.Block)
		}()
	}
	wg.Wait()

	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSNotifier(t *testing.T) {
	conn := &fakeConn{}
	n := NewNATSNotifier(conn, "")

	note := Notification{ID: "id-1", Address: "10.0.0.5", Action: ActionFirewallBlock, Decision: "BLOCK"}
	if err := n.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "responder.actions.firewall_block" {
		t.Errorf("subjects = %v, want [responder.actions.firewall_block]", conn.subjects)
	}

	var decoded Notification
	if err := json.Unmarshal(conn.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.Address != "10.0.0.5" {
		t.Errorf("payload ip = %q, want 10.0.0.5", decoded.Address)
	}

	if err := n.Close(); err != nil || !conn.drained {
		t.Errorf("Close() error = %v, drained = %v", err, conn.drained)
	}
}

func TestNATSNotifierCancelledContext(t *testing.T) {
	conn := &fakeConn{}
	n := NewNATSNotifier(conn, "custom")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Notify(ctx, Notification{Action: ActionAlert}); !errors.Is(err, context.Canceled) {
		t.Errorf("Notify() error = %v, want context.Canceled", err)
	}
	if len(conn.subjects) != 0 {
		t.Errorf("published on cancelled context")
	}
}

type fakeProducer struct {
	keys   []string
	values []interface{}
}

func (f *fakeProducer) ProduceJSON(_ context.Context, key string, value interface{}) error {
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestKafkaNotifierKeysByAddress(t *testing.T) {
	p := &fakeProducer{}
	n := NewKafkaNotifier(p)
	if err := n.Notify(context.Background(), Notification{Address: "10.0.0.6", Action: ActionAlert}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(p.keys) != 1 || p.keys[0] != "10.0.0.6" {
		t.Errorf("keys = %v, want [10.0.0.6]", p.keys)
	}
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	m := MultiNotifier{ok, bad, NewLogNotifier(testLogger())}

	err := m.Notify(context.Background(), Notification{Action: ActionAlert})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Notify() error = %v, want boom", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Errorf("fan-out counts = %d, %d, want 1, 1", ok.count(), bad.count())
	}
}
