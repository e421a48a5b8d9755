package response

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nids-responder/internal/decision"
	"nids-responder/internal/schema"
	"nids-responder/internal/window"
)

func newTestMux(f *fixture) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(f.service, f.store, f.audit, nil).RegisterRoutes(mux)
	return mux
}

func serve(t *testing.T, mux *http.ServeMux, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: invalid JSON response %q: %v", method, target, rec.Body.String(), err)
	}
	return rec, resp
}

func TestHandler_Risk(t *testing.T) {
	mux := newTestMux(newFixture(t, fixtureOptions{}, sustained()...))

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCount  float64
	}{
		{"default window", "/v1/risk", http.StatusOK, 2},
		{"explicit window", "/v1/risk?window=24h", http.StatusOK, 2},
		{"unsupported window", "/v1/risk?window=7m", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := serve(t, mux, http.MethodGet, tt.target, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && resp["count"] != tt.wantCount {
				t.Errorf("count = %v, want %v", resp["count"], tt.wantCount)
			}
		})
	}
}

func TestHandler_Correlations(t *testing.T) {
	mux := newTestMux(newFixture(t, fixtureOptions{}, sustained()...))

	rec, resp := serve(t, mux, http.MethodGet, "/v1/correlations?window=5m", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	corrs, _ := resp["correlations"].([]any)
	if len(corrs) != 2 {
		t.Fatalf("correlations = %d, want 2", len(corrs))
	}
	first := corrs[0].(map[string]any)
	if first["ip"] != "10.0.0.1" || first["burst"] != true {
		t.Errorf("first correlation = %v", first)
	}
}

func TestHandler_Respond(t *testing.T) {
	f := newFixture(t, fixtureOptions{}, sustained()...)
	mux := newTestMux(f)

	rec, resp := serve(t, mux, http.MethodPost, "/v1/respond", `{"ip":"10.0.0.1","window":"5m"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, resp)
	}

	d := resp["decision"].(map[string]any)
	if d["decision"] != "BLOCK" {
		t.Errorf("decision = %v, want BLOCK", d["decision"])
	}
	action := resp["action"].(map[string]any)
	if action["action"] != "firewall_block" || action["executed"] != true {
		t.Errorf("action = %v", action)
	}
	explanation := resp["explanation"].(map[string]any)
	if reasons, _ := explanation["reasons"].([]any); len(reasons) == 0 {
		t.Error("explanation has no reasons")
	}

	rec, resp = serve(t, mux, http.MethodGet, "/v1/blocked", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("blocked status = %d, want 200", rec.Code)
	}
	blocked := resp["blocked"].([]any)
	if len(blocked) != 1 || blocked[0].(map[string]any)["ip"] != "10.0.0.1" {
		t.Errorf("blocked = %v, want [10.0.0.1]", blocked)
	}

	rec, resp = serve(t, mux, http.MethodGet, "/v1/audit?limit=5", "")
	if rec.Code != http.StatusOK || resp["count"] != float64(1) {
		t.Errorf("audit = %d %v, want one entry", rec.Code, resp)
	}
}

func TestHandler_RespondErrors(t *testing.T) {
	tests := []struct {
		name       string
		opts       fixtureOptions
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed body",
			body:       `{"ip":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "invalid address",
			body:       `{"ip":"not-an-ip"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid window",
			body:       `{"ip":"10.0.0.1","window":"2d"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "persistence failure",
			opts:       fixtureOptions{blocks: failingBlocks{}},
			body:       `{"ip":"10.0.0.1","window":"5m"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  decision.ErrPersistenceFailure.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(newFixture(t, tt.opts, sustained()...))

			rec, resp := serve(t, mux, http.MethodPost, "/v1/respond", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %v", rec.Code, tt.wantStatus, resp)
			}
			if resp["success"] != false {
				t.Errorf("success = %v, want false", resp["success"])
			}
			if tt.wantError != "" && resp["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", resp["error"], tt.wantError)
			}
		})
	}
}

func TestHandler_RespondAll(t *testing.T) {
	mux := newTestMux(newFixture(t, fixtureOptions{}, sustained()...))

	rec, resp := serve(t, mux, http.MethodPost, "/v1/respond/all?window=5m", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, resp)
	}
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}
}

func TestHandler_Detections(t *testing.T) {
	mux := newTestMux(newFixture(t, fixtureOptions{}, sustained()...))

	tests := []struct {
		target     string
		wantStatus int
		wantCount  float64
	}{
		{"/v1/detections", http.StatusOK, 11},
		{"/v1/detections?limit=3", http.StatusOK, 3},
		{"/v1/detections?limit=abc", http.StatusBadRequest, 0},
		{"/v1/detections?limit=0", http.StatusBadRequest, 0},
		{fmt.Sprintf("/v1/detections?limit=%d", maxLimit+1), http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, resp := serve(t, mux, http.MethodGet, tt.target, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && resp["count"] != tt.wantCount {
				t.Errorf("count = %v, want %v", resp["count"], tt.wantCount)
			}
		})
	}
}

func TestHandler_Analytics(t *testing.T) {
	mux := newTestMux(newFixture(t, fixtureOptions{}, sustained()...))

	rec, resp := serve(t, mux, http.MethodGet, "/v1/analytics/top?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("top status = %d", rec.Code)
	}
	attackers := resp["attackers"].([]any)
	if len(attackers) != 1 || attackers[0].(map[string]any)["ip"] != "10.0.0.1" {
		t.Errorf("attackers = %v, want [10.0.0.1]", attackers)
	}

	rec, resp = serve(t, mux, http.MethodGet, "/v1/analytics/distribution", "")
	if rec.Code != http.StatusOK || resp["total"] != float64(11) {
		t.Errorf("distribution = %d %v, want total 11", rec.Code, resp)
	}

	rec, resp = serve(t, mux, http.MethodGet, "/v1/analytics/summary?window=5m", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}
	if resp["total_detections"] != float64(11) || resp["unique_ips"] != float64(2) {
		t.Errorf("summary = %v", resp)
	}

	rec, resp = serve(t, mux, http.MethodGet, "/v1/analytics/trends?interval=1m", "")
	if rec.Code != http.StatusOK || resp["interval"] != "1m" {
		t.Errorf("trends = %d %v", rec.Code, resp)
	}

	rec, _ = serve(t, mux, http.MethodGet, "/v1/analytics/trends?interval=3m", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("trends with bad interval = %d, want 400", rec.Code)
	}

	rec, _ = serve(t, mux, http.MethodGet, "/v1/analytics/top?window=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("top with bad window = %d, want 400", rec.Code)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux := newTestMux(newFixture(t, fixtureOptions{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/respond", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/respond = %d, want 405", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("parse: %w", window.ErrInvalidWindow), http.StatusBadRequest},
		{ErrInvalidAddress, http.StatusBadRequest},
		{schema.ErrMalformedEvent, http.StatusBadRequest},
		{&decision.PersistenceError{Op: "write", Address: "10.0.0.1", Err: context.Canceled}, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
