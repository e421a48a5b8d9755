// Package window defines the lookback windows used by correlation and scoring.
package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidWindow is returned for window tokens the correlator does not support.
var ErrInvalidWindow = errors.New("window: invalid window")

// Default is the window used when a caller does not name one.
const Default = "5m"

var supported = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
}

// Risk multipliers discount longer observation periods.
var multipliers = map[string]float64{
	"5m":  1.0,
	"30m": 0.9,
	"1h":  0.8,
	"6h":  0.6,
	"24h": 0.4,
}

const defaultMultiplier = 0.5

// Window is a validated lookback token such as "5m".
type Window struct {
	Token    string
	Duration time.Duration
}

// Parse validates a window token.
func Parse(token string) (Window, error) {
	d, ok := supported[token]
	if !ok {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidWindow, token)
	}
	return Window{Token: token, Duration: d}, nil
}

// Since returns the start of the window ending at now.
func (w Window) Since(now time.Time) time.Time {
	return now.Add(-w.Duration)
}

func (w Window) String() string {
	return w.Token
}

// Tokens returns the supported tokens in ascending duration order.
func Tokens() []string {
	return []string{"1m", "5m", "10m", "30m", "1h", "6h", "12h", "24h"}
}

// Multiplier returns the risk multiplier for a token.
func Multiplier(token string) float64 {
	if m, ok := multipliers[token]; ok {
		return m
	}
	return defaultMultiplier
}

// Decay returns the confidence decay for a token. Short windows are
// treated as more reliable than long ones.
func Decay(token string) float64 {
	n, unit, ok := split(token)
	if !ok {
		return 0.6
	}

	switch unit {
	case "m":
		switch {
		case n <= 5:
			return 1.0
		case n <= 15:
			return 0.9
		default:
			return 0.8
		}
	case "h":
		switch {
		case n <= 1:
			return 0.85
		case n <= 6:
			return 0.7
		default:
			return 0.5
		}
	}
	return 0.6
}

func split(token string) (int, string, bool) {
	token = strings.TrimSpace(token)
	if len(token) < 2 {
		return 0, "", false
	}
	unit := token[len(token)-1:]
	n, err := strconv.Atoi(token[:len(token)-1])
	if err != nil || n <= 0 {
		return 0, "", false
	}
	return n, unit, true
}
