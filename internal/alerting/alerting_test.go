package alerting

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nids-responder/internal/enforcement"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNotification(verdict string) enforcement.Notification {
	return enforcement.Notification{
		ID:        "n-1",
		Address:   "203.0.113.7",
		Action:    enforcement.ActionFirewallBlock,
		Decision:  verdict,
		Command:   "iptables -A INPUT -s 203.0.113.7 -j DROP",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Delivery = DeliveryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		AttemptTimeout: time.Second,
	}
	return cfg
}

// flakyServer fails the first failures requests with 500.
type flakyServer struct {
	failures int32
	calls    atomic.Int32

	mu     sync.Mutex
	bodies []string
	header http.Header
}

func (f *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.header = r.Header.Clone()
	f.mu.Unlock()
	if n <= atomic.LoadInt32(&f.failures) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func TestWebhookChannel_Send(t *testing.T) {
	srv := &flakyServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: ts.URL, Headers: map[string]string{"X-Token": "secret"}})
	if ch.Name() != "webhook" {
		t.Errorf("Name() = %q, want webhook", ch.Name())
	}
	if err := ch.Send(context.Background(), testNotification("BLOCK")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var got enforcement.Notification
	if err := json.Unmarshal([]byte(srv.bodies[0]), &got); err != nil {
		t.Fatalf("body is not a notification: %v", err)
	}
	if got.Address != "203.0.113.7" || got.Decision != "BLOCK" {
		t.Errorf("payload = %+v", got)
	}
	if srv.header.Get("X-Token") != "secret" {
		t.Error("custom header not sent")
	}
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := &flakyServer{failures: 1}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	err := NewWebhookChannel(WebhookConfig{URL: ts.URL}).Send(context.Background(), testNotification("BLOCK"))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Send() error = %v, want status 500", err)
	}
}

func TestSlackChannel_Send(t *testing.T) {
	srv := &flakyServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ch := NewSlackChannel(SlackConfig{WebhookURL: ts.URL, Channel: "#soc"})
	if err := ch.Send(context.Background(), testNotification("BLOCK_ESCALATE")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var payload struct {
		Channel     string `json:"channel"`
		Username    string `json:"username"`
		Attachments []struct {
			Color string `json:"color"`
			Title string `json:"title"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal([]byte(srv.bodies[0]), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Channel != "#soc" || payload.Username != "nids-responder" {
		t.Errorf("channel %q username %q", payload.Channel, payload.Username)
	}
	if len(payload.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(payload.Attachments))
	}
	a := payload.Attachments[0]
	if a.Color != "#FF0000" || a.Title != "[BLOCK_ESCALATE] 203.0.113.7" {
		t.Errorf("attachment = %+v", a)
	}
}

func TestDecisionColor(t *testing.T) {
	tests := []struct {
		decision string
		want     string
	}{
		{"BLOCK_ESCALATE", "#FF0000"},
		{"BLOCK", "#FF4500"},
		{"RATE_LIMIT", "#FFA500"},
		{"ALERT", "#FFFF00"},
		{"ALLOW", "#00FF00"},
		{"bogus", "#808080"},
	}
	for _, tt := range tests {
		if got := decisionColor(tt.decision); got != tt.want {
			t.Errorf("decisionColor(%q) = %q, want %q", tt.decision, got, tt.want)
		}
	}
}

func TestConfig_Channels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhooks = []WebhookConfig{{Name: "soar", URL: "http://soar.local/hook"}, {Name: "empty"}}
	cfg.Slack.WebhookURL = "http://slack.local/hook"

	channels := cfg.Channels()
	if len(channels) != 2 {
		t.Fatalf("Channels() = %d, want 2", len(channels))
	}
	if channels[0].Name() != "soar" || channels[1].Name() != "slack" {
		t.Errorf("names = %s, %s", channels[0].Name(), channels[1].Name())
	}
}

func TestNewNotifier_InvalidMinDecision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDecision = "SEVERE"
	if _, err := NewNotifier(cfg, nil, testLogger()); err == nil {
		t.Error("NewNotifier() error = nil, want invalid min_decision")
	}
}

func TestNotifier_RetriesUntilDelivered(t *testing.T) {
	srv := &flakyServer{failures: 2}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	n, err := NewNotifier(fastConfig(), []Channel{NewWebhookChannel(WebhookConfig{URL: ts.URL})}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), testNotification("BLOCK")); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	n.Close()

	stats := n.Stats()
	if stats.Sent != 1 || stats.Retries != 2 || stats.DeadLetter != 0 || stats.InFlight != 0 {
		t.Errorf("Stats() = %+v, want 1 sent after 2 retries", stats)
	}
	if got := srv.calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestNotifier_FiltersBelowMinimum(t *testing.T) {
	srv := &flakyServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	n, _ := NewNotifier(fastConfig(), []Channel{NewWebhookChannel(WebhookConfig{URL: ts.URL})}, testLogger())
	for _, verdict := range []string{"ALERT", "RATE_LIMIT", "BLOCK", "BLOCK_ESCALATE"} {
		n.Notify(context.Background(), testNotification(verdict))
	}
	n.Close()

	stats := n.Stats()
	if stats.Filtered != 2 || stats.Sent != 2 {
		t.Errorf("Stats() = %+v, want 2 filtered and 2 sent", stats)
	}
}

func TestNotifier_DeadLetterAndRetry(t *testing.T) {
	srv := &flakyServer{failures: 1 << 20}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var hookErrs atomic.Int32
	n, _ := NewNotifier(fastConfig(), []Channel{NewWebhookChannel(WebhookConfig{URL: ts.URL})}, testLogger())
	n.WithFailureHook(func(error) { hookErrs.Add(1) })

	n.Notify(context.Background(), testNotification("BLOCK"))

	deadline := time.Now().Add(5 * time.Second)
	for len(n.DeadLetters()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification never reached the dead letter queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dead := n.DeadLetters()[0]
	if dead.Attempts != 3 || dead.Status != DeliveryDeadLetter || dead.Notification.Address != "203.0.113.7" {
		t.Errorf("dead letter = %+v", dead)
	}

	// the endpoint recovers
	atomic.StoreInt32(&srv.failures, 0)
	if err := n.RetryDeadLetter(context.Background(), dead.ID); err != nil {
		t.Fatalf("RetryDeadLetter() error = %v", err)
	}
	n.Close()

	if hookErrs.Load() != 1 {
		t.Errorf("failure hook calls = %d, want 1", hookErrs.Load())
	}
	stats := n.Stats()
	if stats.Sent != 1 || stats.DeadLetter != 0 {
		t.Errorf("Stats() = %+v, want redelivered", stats)
	}
	if err := n.RetryDeadLetter(context.Background(), dead.ID); err != ErrClosed {
		t.Errorf("RetryDeadLetter() after Close = %v, want ErrClosed", err)
	}
}

func TestNotifier_NotifyAfterClose(t *testing.T) {
	n, _ := NewNotifier(fastConfig(), nil, testLogger())
	n.Close()
	if err := n.Notify(context.Background(), testNotification("BLOCK")); err != ErrClosed {
		t.Errorf("Notify() after Close = %v, want ErrClosed", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestNotifier_ImplementsEnforcementNotifier(t *testing.T) {
	var _ enforcement.Notifier = (*Notifier)(nil)
}
