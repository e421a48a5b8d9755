package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

// HealthCheckFunc reports the health of a dependency.
type HealthCheckFunc func(ctx context.Context) error

// Handler serves detection ingestion and the health endpoint.
type Handler struct {
	intake       *Intake
	maxPayload   int64
	maxBatch     int
	checks       map[string]HealthCheckFunc
	checkTimeout time.Duration
	startTime    time.Time
}

// NewHandler creates an ingest Handler on top of intake.
func NewHandler(intake *Intake) *Handler {
	return &Handler{
		intake:       intake,
		maxPayload:   10 * 1024 * 1024, // 10MB default
		maxBatch:     1000,
		checks:       make(map[string]HealthCheckFunc),
		checkTimeout: 2 * time.Second,
		startTime:    time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size in bytes.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum number of detections per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithHealthCheck registers a named dependency check for GET /health.
func (h *Handler) WithHealthCheck(name string, check HealthCheckFunc) *Handler {
	h.checks[name] = check
	return h
}

// IngestRequest is the request body for POST /v1/detections.
type IngestRequest struct {
	Detections []json.RawMessage `json:"detections"`
}

// IngestResponse is the response for detection ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleDetections handles POST /v1/detections.
func (h *Handler) HandleDetections(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFor(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Detections) == 0 {
		respondError(w, http.StatusBadRequest, "no detections provided", requestID)
		return
	}
	if len(req.Detections) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	sourceIP := remoteIP(r)
	subs := make([]Submission, 0, len(req.Detections))
	var decodeErrors []string
	for i, raw := range req.Detections {
		var input DetectionInput
		if err := json.Unmarshal(raw, &input); err != nil {
			h.intake.Reject(r.Context(), "http", sourceIP, raw, err)
			decodeErrors = append(decodeErrors, fmt.Sprintf("detection[%d]: invalid JSON: %v", i, err))
			continue
		}
		subs = append(subs, Submission{Input: input, Raw: raw})
	}

	res := h.intake.Submit(r.Context(), "http", sourceIP, subs...)
	res.Rejected += len(decodeErrors)
	res.Errors = append(decodeErrors, res.Errors...)

	resp := IngestResponse{
		Success:   res.Rejected == 0,
		Accepted:  res.Accepted,
		Rejected:  res.Rejected,
		Errors:    res.Errors,
		RequestID: requestID,
	}

	status := http.StatusOK
	if res.Accepted == 0 && res.Rejected > 0 {
		status = http.StatusBadRequest
	} else if res.Rejected > 0 {
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, resp)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	qm := h.intake.Queue().Metrics()

	status := "healthy"
	if qm.Usage() > 0.9 {
		status = "degraded"
	}

	code := http.StatusOK
	var checks map[string]string
	if len(h.checks) > 0 {
		checks = make(map[string]string, len(h.checks))
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
			err := h.checks[name](ctx)
			cancel()
			if err != nil {
				checks[name] = err.Error()
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    qm.Depth,
		"queue_capacity": qm.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}
	if checks != nil {
		resp["checks"] = checks
	}

	respondJSON(w, code, resp)
}

func requestIDFor(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get("X-Request-ID"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.New().String()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
