package window

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		token   string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"12h", 12 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"2m", 0, true},
		{"", 0, true},
		{"5 minutes", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			w, err := Parse(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidWindow) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalidWindow", tt.token, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.token, err)
			}
			if w.Duration != tt.want {
				t.Errorf("Parse(%q).Duration = %v, want %v", tt.token, w.Duration, tt.want)
			}
		})
	}
}

func TestTokensAreParsable(t *testing.T) {
	for _, token := range Tokens() {
		if _, err := Parse(token); err != nil {
			t.Errorf("Parse(%q) error = %v", token, err)
		}
	}
}

func TestMultiplier(t *testing.T) {
	tests := []struct {
		token string
		want  float64
	}{
		{"5m", 1.0},
		{"30m", 0.9},
		{"1h", 0.8},
		{"6h", 0.6},
		{"24h", 0.4},
		{"1m", 0.5},
		{"bogus", 0.5},
	}

	for _, tt := range tests {
		if got := Multiplier(tt.token); got != tt.want {
			t.Errorf("Multiplier(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestDecay(t *testing.T) {
	tests := []struct {
		token string
		want  float64
	}{
		{"1m", 1.0},
		{"5m", 1.0},
		{"10m", 0.9},
		{"15m", 0.9},
		{"30m", 0.8},
		{"1h", 0.85},
		{"6h", 0.7},
		{"12h", 0.5},
		{"24h", 0.5},
		{"7d", 0.6},
		{"", 0.6},
		{"xm", 0.6},
	}

	for _, tt := range tests {
		if got := Decay(tt.token); got != tt.want {
			t.Errorf("Decay(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}
