package audit

import (
	"encoding/json"
	"strconv"
	"strings"

	"nids-responder/internal/decision"
	"nids-responder/internal/risk"
)

// Signal keys read by Explain.
const (
	SignalRiskScore         = "risk_score"
	SignalConfidence        = "confidence"
	SignalDetectionsCount   = "detections_count"
	SignalUniqueAttackTypes = "unique_attack_types"
)

// Explanation is the human-readable account of a decision.
type Explanation struct {
	Decision string                 `json:"decision"`
	Severity risk.Severity          `json:"severity"`
	Reasons  []string               `json:"reasons"`
	Signals  map[string]interface{} `json:"signals,omitempty"`
}

// Explain derives reasons from the verdict and the optional signals.
// Missing or non-numeric signals only drop the reasons that depend on them.
func Explain(v decision.Verdict, signals map[string]interface{}) Explanation {
	confidence, hasConfidence := number(signals, SignalConfidence)
	riskScore, _ := number(signals, SignalRiskScore)

	var reasons []string
	switch v {
	case decision.Block, decision.BlockEscalate:
		reasons = append(reasons, "Risk score exceeded blocking threshold")
		if hasConfidence && confidence >= 0.7 {
			reasons = append(reasons, "High confidence in malicious behavior")
		}
	case decision.RateLimit:
		reasons = append(reasons, "Risk score exceeded rate limiting threshold")
	case decision.Alert:
		reasons = append(reasons, "Risk score exceeded alerting threshold")
	case decision.Monitor:
		reasons = append(reasons, "Suspicious behavior detected but below blocking threshold")
	default:
		reasons = append(reasons, "Activity considered normal")
	}

	if n, ok := number(signals, SignalDetectionsCount); ok && n > 5 {
		reasons = append(reasons, "Repeated detections in short time window")
	}
	if n, ok := number(signals, SignalUniqueAttackTypes); ok && n > 1 {
		reasons = append(reasons, "Multiple attack types observed")
	}

	return Explanation{
		Decision: v.String(),
		Severity: risk.SeverityFor(riskScore),
		Reasons:  reasons,
		Signals:  signals,
	}
}

// number coerces a signal to float64. Numeric strings are accepted.
func number(signals map[string]interface{}, key string) (float64, bool) {
	raw, ok := signals[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
