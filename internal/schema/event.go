// Package schema defines the detection event consumed by the response pipeline.
// Events are produced by the upstream classifier and are immutable once stored.
package schema

import (
	"errors"
	"net/netip"
	"strings"
	"time"
)

// ErrMalformedEvent is returned for events that cannot be used for correlation.
var ErrMalformedEvent = errors.New("schema: malformed detection event")

// DetectionEvent is one labeled detection for a source address.
type DetectionEvent struct {
	Address     string    `json:"ip" validate:"required,ip"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	AttackLabel string    `json:"label" validate:"required,label_format,max=64"`
	Outcome     Outcome   `json:"action" validate:"required,oneof=observed blocked"`
}

// Outcome records what the sensor did with the traffic.
type Outcome string

const (
	OutcomeObserved Outcome = "observed"
	OutcomeBlocked  Outcome = "blocked"
)

// IsValid checks if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeObserved, OutcomeBlocked:
		return true
	}
	return false
}

// ParseOutcome maps a stored outcome string. Unknown values read as observed.
func ParseOutcome(s string) Outcome {
	if o := Outcome(s); o.IsValid() {
		return o
	}
	return OutcomeObserved
}

// Known attack labels emitted by the classifier.
const (
	LabelNormal       = "normal"
	LabelPortScan     = "port_scan"
	LabelDDoS         = "ddos"
	LabelBruteforce   = "bruteforce"
	LabelSQLInjection = "sql_injection"
	LabelMalware      = "malware"
)

// CanonicalAddress returns the canonical text form of an IP address so that
// "2001:DB8::1", "2001:db8:0::1" and "::ffff:10.0.0.1"-style spellings key the
// same correlations and hard blocks. Strings that are not IPs come back trimmed.
func CanonicalAddress(s string) string {
	s = strings.TrimSpace(s)
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().WithZone("").String()
}

// NormalizeLabel folds a classifier label for table lookups: lower case,
// with hyphens and spaces read as underscores. Labels are otherwise opaque.
func NormalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	return strings.NewReplacer("-", "_", " ", "_").Replace(label)
}
