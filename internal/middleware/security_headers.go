package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"nids-responder/internal/config"
)

// SecurityHeaders returns a middleware that sets hardening headers on every
// response. The API only serves JSON, so the defaults deny framing, content
// loading and caching outright.
func SecurityHeaders(cfg config.SecurityHeadersConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		logger.Info("security headers middleware disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	hsts := ""
	if cfg.HSTSEnabled && cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			for key, value := range cfg.CustomHeaders {
				h.Set(key, value)
			}

			next.ServeHTTP(w, r)
		})
	}
}
