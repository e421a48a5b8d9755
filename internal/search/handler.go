package search

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	apierrors "nids-responder/internal/errors"
)

// Handler serves detection search over HTTP.
type Handler struct {
	executor *Executor
	logger   *slog.Logger
}

// NewHandler creates a search handler.
func NewHandler(executor *Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{executor: executor, logger: logger}
}

// Request is the body of POST /v1/search.
type Request struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	// Since is a lookback duration such as "6h", used when the query has
	// no timestamp lower bound.
	Since string `json:"since,omitempty"`
}

// RegisterRoutes registers the search routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/search", h.HandleSearch)
	mux.HandleFunc("GET /v1/search", h.HandleSearchGet)
}

// HandleSearch handles POST /v1/search.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request: malformed JSON")
		return
	}
	h.run(w, r, req)
}

// HandleSearchGet handles GET /v1/search?q=...&limit=...&since=...
func (h *Handler) HandleSearchGet(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := Request{Query: params.Get("q"), Since: params.Get("since")}
	if req.Query == "" {
		req.Query = params.Get("query")
	}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request: limit must be a number")
			return
		}
		req.Limit = n
	}
	h.run(w, r, req)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, req Request) {
	if req.Limit < 0 || req.Limit > MaxLimit {
		h.writeError(w, http.StatusBadRequest, "invalid request: limit must be between 1 and "+strconv.Itoa(MaxLimit))
		return
	}
	opts := Options{Limit: req.Limit}
	if req.Since != "" {
		d, err := time.ParseDuration(req.Since)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid request: since must be a positive duration")
			return
		}
		opts.Lookback = d
	}

	q, err := h.executor.Parse(req.Query)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.executor.Search(r.Context(), q, opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, r.Context().Err()) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Error("search failed", "query", truncateForLog(req.Query, 200), "error", err)
		h.writeError(w, status, apierrors.SafeErrorMessage(err))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	id := w.Header().Get("X-Request-ID")
	if id == "" {
		id = uuid.New().String()
	}
	h.writeJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": id,
	})
}
