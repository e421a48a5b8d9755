// Package middleware provides the HTTP middleware shared by the ingest and
// response APIs.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"

	"nids-responder/internal/config"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one listed runs first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type requestIDKey struct{}

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request an ID, reusing a well-formed incoming
// X-Request-ID, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFromContext returns the ID assigned by RequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Recovery turns a panic into a 500 response.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"request_id", RequestIDFromContext(r.Context()),
					)
					writeError(w, r, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs one line per request.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// verifiedKeyCacheSize bounds the number of remembered valid keys.
const verifiedKeyCacheSize = 256

// Authenticator checks API keys against bcrypt hashes. Keys that verified
// once are remembered by digest so later requests skip the bcrypt cost.
type Authenticator struct {
	header    string
	hashes    [][]byte
	exempt    map[string]bool
	verified  *lru.Cache[[sha256.Size]byte, struct{}]
	logger    *slog.Logger
	onFailure func()
}

// NewAuthenticator creates an Authenticator from cfg.
func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	hashes := make([][]byte, 0, len(cfg.APIKeyHashes))
	for _, h := range cfg.APIKeyHashes {
		hashes = append(hashes, []byte(h))
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	cache, _ := lru.New[[sha256.Size]byte, struct{}](verifiedKeyCacheSize)

	return &Authenticator{
		header:   header,
		hashes:   hashes,
		exempt:   exempt,
		verified: cache,
		logger:   logger,
	}
}

// WithFailureHook registers fn to run on every rejected request.
func (a *Authenticator) WithFailureHook(fn func()) *Authenticator {
	a.onFailure = fn
	return a
}

// Valid reports whether key matches one of the configured hashes.
func (a *Authenticator) Valid(key string) bool {
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	if a.verified.Contains(digest) {
		return true
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.verified.Add(digest, struct{}{})
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid key. Exempt paths pass.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(a.header)
		var msg string
		switch {
		case key == "":
			msg = "missing api key"
		case !a.Valid(key):
			msg = "invalid api key"
		default:
			next.ServeHTTP(w, r)
			return
		}

		if a.onFailure != nil {
			a.onFailure()
		}
		a.logger.Warn("request rejected",
			"reason", msg,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		writeError(w, r, http.StatusUnauthorized, msg)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	body := map[string]any{
		"success": false,
		"error":   message,
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		body["request_id"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
