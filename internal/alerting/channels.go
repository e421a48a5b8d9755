package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nids-responder/internal/decision"
	"nids-responder/internal/enforcement"
)

const defaultHTTPTimeout = 10 * time.Second

// Channel delivers one notification to an outbound destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n enforcement.Notification) error
}

// WebhookConfig describes a generic JSON webhook.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig describes a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// WebhookChannel posts the notification as JSON.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, n enforcement.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return post(ctx, w.client, w.url, payload, w.headers)
}

// SlackChannel posts the notification as a Slack attachment.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(cfg SlackConfig) *SlackChannel {
	username := cfg.Username
	if username == "" {
		username = "nids-responder"
	}
	return &SlackChannel{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   username,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, n enforcement.Notification) error {
	fields := []map[string]interface{}{
		{"title": "Decision", "value": n.Decision, "short": true},
		{"title": "Action", "value": string(n.Action), "short": true},
	}
	if n.Command != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Command", "value": "`" + n.Command + "`", "short": false,
		})
	}

	payload := map[string]interface{}{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]interface{}{
			{
				"color":  decisionColor(n.Decision),
				"title":  fmt.Sprintf("[%s] %s", n.Decision, n.Address),
				"fields": fields,
				"footer": "Notification " + n.ID,
				"ts":     n.Timestamp.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(ctx, s.client, s.webhookURL, data, nil)
}

func decisionColor(name string) string {
	v, err := decision.ParseVerdict(name)
	if err != nil {
		return "#808080"
	}
	switch v {
	case decision.BlockEscalate:
		return "#FF0000"
	case decision.Block:
		return "#FF4500"
	case decision.RateLimit:
		return "#FFA500"
	case decision.Alert:
		return "#FFFF00"
	default:
		return "#00FF00"
	}
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(msg))
	}
	return nil
}
