// Package api provides the HTTP client the TUI uses to talk to the responder.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client handles API communication with the responder.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HealthResponse represents the GET /health response.
type HealthResponse struct {
	Status        string            `json:"status"`
	QueueDepth    int               `json:"queue_depth"`
	QueueCapacity int               `json:"queue_capacity"`
	UptimeSeconds int               `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Summary represents GET /v1/analytics/summary.
type Summary struct {
	TotalDetections  int            `json:"total_detections"`
	UniqueAddresses  int            `json:"unique_ips"`
	UniqueBlockedIPs int            `json:"unique_blocked_ips"`
	HardBlocked      int            `json:"hard_blocked"`
	ByLabel          map[string]int `json:"by_label"`
	LastDetection    *time.Time     `json:"last_detection"`
}

// Stats combines health and summary data for the dashboard.
type Stats struct {
	Healthy       bool
	HealthStatus  string
	StatusReason  string
	QueueSize     int
	QueueCapacity int
	QueueUsage    float64
	Uptime        string
	UptimeSeconds int
	Checks        map[string]string
	Summary       *Summary
}

// Detection is one stored detection.
type Detection struct {
	Address   string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
	Label     string    `json:"label"`
	Action    string    `json:"action"`
}

// DetectionsResponse represents GET /v1/detections.
type DetectionsResponse struct {
	Count      int         `json:"count"`
	Detections []Detection `json:"detections"`
}

// Risk is the risk assessment for one address.
type Risk struct {
	Address     string   `json:"ip"`
	RiskScore   float64  `json:"risk_score"`
	Severity    string   `json:"severity"`
	Confidence  float64  `json:"confidence"`
	AttackCount int      `json:"attack_count"`
	Labels      []string `json:"labels"`
}

// RiskResponse represents GET /v1/risk.
type RiskResponse struct {
	Window string `json:"window"`
	Count  int    `json:"count"`
	Risks  []Risk `json:"risks"`
}

// Outcome is the result of POST /v1/respond.
type Outcome struct {
	Address  string `json:"ip"`
	Window   string `json:"window"`
	Decision struct {
		Verdict    string  `json:"decision"`
		Reason     string  `json:"reason"`
		RiskScore  float64 `json:"risk_score"`
		Confidence float64 `json:"confidence"`
		Forced     bool    `json:"forced"`
	} `json:"decision"`
	Action struct {
		Executed bool   `json:"executed"`
		Action   string `json:"action"`
		Message  string `json:"message"`
	} `json:"action"`
	AuditID string `json:"audit_id"`
}

// Blocked is one hard-blocked address.
type Blocked struct {
	Address   string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// BlockedResponse represents GET /v1/blocked.
type BlockedResponse struct {
	Count   int       `json:"count"`
	Blocked []Blocked `json:"blocked"`
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithAPIKey sends key in the X-API-Key header on every request.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// GetHealth fetches health status. A 503 response still carries a body.
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.do(http.MethodGet, "/health", nil, &health, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetSummary fetches the detection summary.
func (c *Client) GetSummary() (*Summary, error) {
	var s Summary
	if err := c.do(http.MethodGet, "/v1/analytics/summary", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetDetections fetches the most recent detections.
func (c *Client) GetDetections(limit int) (*DetectionsResponse, error) {
	var resp DetectionsResponse
	if err := c.do(http.MethodGet, "/v1/detections?limit="+strconv.Itoa(limit), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRisk fetches risk assessments for every address in window.
func (c *Client) GetRisk(window string) (*RiskResponse, error) {
	var resp RiskResponse
	if err := c.do(http.MethodGet, "/v1/risk?window="+url.QueryEscape(window), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Respond evaluates and enforces a decision for one address.
func (c *Client) Respond(address, window string) (*Outcome, error) {
	body := map[string]string{"ip": address, "window": window}
	var out Outcome
	if err := c.do(http.MethodPost, "/v1/respond", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBlocked fetches the hard-block list.
func (c *Client) GetBlocked() (*BlockedResponse, error) {
	var resp BlockedResponse
	if err := c.do(http.MethodGet, "/v1/blocked", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStats fetches combined stats for the dashboard. Connection failures
// are reported in the stats rather than as an error.
func (c *Client) GetStats() (*Stats, error) {
	stats := &Stats{
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to responder",
	}

	health, err := c.GetHealth()
	if err != nil {
		stats.StatusReason = err.Error()
		return stats, nil
	}

	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueSize = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))
	stats.Checks = health.Checks

	if health.QueueCapacity > 0 {
		stats.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	switch health.Status {
	case "healthy":
		stats.StatusReason = "All systems operational"
	case "degraded":
		stats.StatusReason = fmt.Sprintf("Queue at %.0f%% capacity", stats.QueueUsage)
	default:
		stats.StatusReason = "Dependency check failing"
		for name, result := range health.Checks {
			if result != "ok" {
				stats.StatusReason = fmt.Sprintf("%s: %s", name, result)
				break
			}
		}
	}

	if summary, err := c.GetSummary(); err == nil {
		stats.Summary = summary
	}

	return stats, nil
}

func (c *Client) do(method, path string, body, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && !containsStatus(okStatus, resp.StatusCode) {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func containsStatus(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
