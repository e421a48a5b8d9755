package response

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"nids-responder/internal/analytics"
	"nids-responder/internal/audit"
	"nids-responder/internal/decision"
	apierrors "nids-responder/internal/errors"
	"nids-responder/internal/eventstore"
	"nids-responder/internal/schema"
	"nids-responder/internal/window"
)

// Query limits.
const (
	defaultDetectionsLimit = 50
	defaultAuditLimit      = 20
	maxLimit               = 1000
)

// AuditReader returns recent audit entries. *audit.Writer satisfies it.
type AuditReader interface {
	Recent(n int) ([]audit.Event, error)
}

// Handler serves the read and response endpoints of the API.
type Handler struct {
	service *Service
	events  eventstore.Store
	audit   AuditReader
	logger  *slog.Logger
}

// NewHandler creates a Handler. auditLog may be nil, in which case
// /v1/audit returns 404.
func NewHandler(service *Service, events eventstore.Store, auditLog AuditReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		events:  events,
		audit:   auditLog,
		logger:  logger,
	}
}

// RegisterRoutes registers the handler's routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/detections", h.handleDetections)
	mux.HandleFunc("GET /v1/correlations", h.handleCorrelations)
	mux.HandleFunc("GET /v1/risk", h.handleRisk)
	mux.HandleFunc("POST /v1/respond", h.handleRespond)
	mux.HandleFunc("POST /v1/respond/all", h.handleRespondAll)
	mux.HandleFunc("GET /v1/blocked", h.handleBlocked)
	mux.HandleFunc("GET /v1/analytics/top", h.handleTopAttackers)
	mux.HandleFunc("GET /v1/analytics/distribution", h.handleDistribution)
	mux.HandleFunc("GET /v1/analytics/trends", h.handleTrends)
	mux.HandleFunc("GET /v1/analytics/summary", h.handleSummary)
	if h.audit != nil {
		mux.HandleFunc("GET /v1/audit", h.handleAudit)
	}
}

// RespondRequest is the body of POST /v1/respond.
type RespondRequest struct {
	Address string `json:"ip"`
	Window  string `json:"window"`
}

// BlockedAddress is one entry of GET /v1/blocked.
type BlockedAddress struct {
	Address   string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

func (h *Handler) handleDetections(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultDetectionsLimit)
	if !ok {
		return
	}
	events, err := h.events.Recent(r.Context(), limit)
	if err != nil && !errors.Is(err, eventstore.ErrDataUnavailable) {
		h.respondError(w, r, err)
		return
	}
	if events == nil {
		events = []schema.DetectionEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":      len(events),
		"detections": events,
	})
}

func (h *Handler) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	token := queryWindow(r)
	corrs, err := h.service.Correlator().Correlate(r.Context(), token)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"window":       token,
		"count":        len(corrs),
		"correlations": corrs,
	})
}

func (h *Handler) handleRisk(w http.ResponseWriter, r *http.Request) {
	token := queryWindow(r)
	results, err := h.service.Risk(r.Context(), token)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"window": token,
		"count":  len(results),
		"risks":  results,
	})
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Window == "" {
		req.Window = window.Default
	}

	out, err := h.service.Evaluate(r.Context(), req.Address, req.Window)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRespondAll(w http.ResponseWriter, r *http.Request) {
	token := queryWindow(r)
	outs, err := h.service.EvaluateAll(r.Context(), token)
	if err != nil && len(outs) == 0 {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	resp := map[string]any{
		"window":   token,
		"count":    len(outs),
		"outcomes": outs,
	}
	if err != nil {
		status = http.StatusMultiStatus
		resp["error"] = apierrors.SafeErrorMessage(err)
	}
	respondJSON(w, status, resp)
}

func (h *Handler) handleBlocked(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.Engine().Blocked(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	blocked := make([]BlockedAddress, len(records))
	for i, rec := range records {
		blocked[i] = BlockedAddress{Address: rec.Address, Reason: rec.Reason, BlockedAt: rec.BlockedAt}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(blocked),
		"blocked": blocked,
	})
}

func (h *Handler) handleTopAttackers(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, analytics.DefaultTopLimit)
	if !ok {
		return
	}
	events, err := h.analyticsEvents(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"limit":     limit,
		"attackers": analytics.TopAttackers(events, limit),
	})
}

func (h *Handler) handleDistribution(w http.ResponseWriter, r *http.Request) {
	events, err := h.analyticsEvents(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, analytics.LabelDistribution(events))
}

func (h *Handler) handleTrends(w http.ResponseWriter, r *http.Request) {
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = window.Default
	}
	iw, err := window.Parse(interval)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	events, err := h.analyticsEvents(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	trend, err := analytics.Trends(events, iw.Duration)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	trend.Interval = iw.Token
	respondJSON(w, http.StatusOK, trend)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	events, err := h.analyticsEvents(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	blocked, err := h.service.Engine().Blocked(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, analytics.Summarize(events, len(blocked)))
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultAuditLimit)
	if !ok {
		return
	}
	entries, err := h.audit.Recent(limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// analyticsEvents returns the events in the optional window query
// parameter, or every stored event when it is absent.
func (h *Handler) analyticsEvents(r *http.Request) ([]schema.DetectionEvent, error) {
	var since time.Time
	if token := r.URL.Query().Get("window"); token != "" {
		w, err := window.Parse(token)
		if err != nil {
			return nil, err
		}
		since = w.Since(h.service.Correlator().Now())
	}

	events, err := h.events.Query(r.Context(), since)
	if errors.Is(err, eventstore.ErrDataUnavailable) {
		return []schema.DetectionEvent{}, nil
	}
	return events, err
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	msg := apierrors.SafeErrorMessage(err)
	if errors.Is(err, decision.ErrPersistenceFailure) {
		msg = decision.ErrPersistenceFailure.Error()
	}
	respondMessage(w, status, msg)
}

// StatusFor maps pipeline errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, window.ErrInvalidWindow),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, decision.ErrInvalidInput),
		errors.Is(err, schema.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryWindow(r *http.Request) string {
	if token := r.URL.Query().Get("window"); token != "" {
		return token
	}
	return window.Default
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		respondMessage(w, http.StatusBadRequest, "invalid request: limit must be between 1 and "+strconv.Itoa(maxLimit))
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondMessage writes the error envelope. The request ID set by the
// request ID middleware is reused when present.
func respondMessage(w http.ResponseWriter, status int, message string) {
	id := w.Header().Get("X-Request-ID")
	if id == "" {
		id = uuid.New().String()
	}
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": id,
	})
}
