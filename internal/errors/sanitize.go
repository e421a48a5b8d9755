// Package errors keeps internal details out of error messages returned by the API.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// File paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Connection URLs of the backing services
	endpointPattern = regexp.MustCompile(`(?i)\b(rediss?|nats|tls|clickhouse|tcp|https?|s3)://[^\s"']+`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	credentialPattern = regexp.MustCompile(`(?i)\b(password|secret|token|api[_-]?key|access[_-]?key)=\S+`)

	// Driver and transport errors that reveal topology
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|code: \d+, message:|dial tcp|connection refused|no such host|i/o timeout)`)
)

// ProductionMode determines whether errors are sanitized.
var ProductionMode = false

// SanitizeError strips sensitive details from err. Outside production mode
// err is returned unchanged.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !ProductionMode {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString strips sensitive details from s.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	if internalErrorPattern.MatchString(s) {
		return "backend operation failed"
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	s = credentialPattern.ReplaceAllString(s, "$1=[REDACTED]")
	s = endpointPattern.ReplaceAllString(s, "[${1} endpoint]")

	// keep only the file name
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// keep the first two octets for context
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	return s
}

// WrapSanitized wraps err with message and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// NewSanitized creates a sanitized error.
func NewSanitized(format string, args ...interface{}) error {
	return SanitizeError(fmt.Errorf(format, args...))
}

// IsProduction returns true if running in production mode.
func IsProduction() bool {
	return ProductionMode
}

// SetProductionMode sets the production mode flag. Call it once at startup.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// Messages for caller mistakes. They pass SafeErrorMessage unchanged since
// they only echo what the caller sent.
var userFacingErrors = []string{
	"invalid window",
	"invalid address",
	"malformed detection",
	"invalid request",
	"payload too large",
	"missing api key",
	"invalid api key",
	"not found",
}

// SafeErrorMessage returns a message that can be sent to API clients.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacingErrors {
		if strings.Contains(lower, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
