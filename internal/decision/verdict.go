// Package decision turns risk and confidence into a response decision and
// owns the persistent hard-block set.
package decision

import (
	"fmt"
	"strings"
)

// Verdict is the closed set of decisions.
type Verdict int

const (
	Allow Verdict = iota
	Monitor
	Alert
	RateLimit
	Block
	BlockEscalate
)

var verdictNames = [...]string{
	Allow:         "ALLOW",
	Monitor:       "MONITOR",
	Alert:         "ALERT",
	RateLimit:     "RATE_LIMIT",
	Block:         "BLOCK",
	BlockEscalate: "BLOCK_ESCALATE",
}

// Verdicts returns every verdict in declaration order.
func Verdicts() []Verdict {
	return []Verdict{Allow, Monitor, Alert, RateLimit, Block, BlockEscalate}
}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
	return verdictNames[v]
}

// IsValid reports whether v is one of the declared verdicts.
func (v Verdict) IsValid() bool {
	return v >= Allow && v <= BlockEscalate
}

// Rank orders verdicts by severity. ALLOW and MONITOR share the lowest rank.
func (v Verdict) Rank() int {
	switch v {
	case Allow, Monitor:
		return 0
	case Alert:
		return 1
	case RateLimit:
		return 2
	case Block:
		return 3
	case BlockEscalate:
		return 4
	}
	return -1
}

// IsBlock reports whether v blocks traffic.
func (v Verdict) IsBlock() bool {
	return v == Block || v == BlockEscalate
}

// ParseVerdict parses the string form of a verdict.
func ParseVerdict(s string) (Verdict, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range verdictNames {
		if name == s {
			return Verdict(i), nil
		}
	}
	return Allow, fmt.Errorf("decision: unknown verdict %q", s)
}

// MarshalText encodes the verdict as its name.
func (v Verdict) MarshalText() ([]byte, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("decision: invalid verdict %d", int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText decodes a verdict name.
func (v *Verdict) UnmarshalText(b []byte) error {
	parsed, err := ParseVerdict(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
