// Package risk converts correlations into bounded per-address risk scores.
package risk

import (
	"math"
	"sort"

	"nids-responder/internal/confidence"
	"nids-responder/internal/correlation"
	"nids-responder/internal/schema"
	"nids-responder/internal/window"
)

// MaxScore is the upper bound of every risk score.
const MaxScore = 100.0

// Severity is a four-level bucketing of a risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SeverityFor buckets a risk score.
func SeverityFor(score float64) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Config holds the tunable scoring tables.
type Config struct {
	LabelWeights  map[string]float64 `yaml:"label_weights"`
	DefaultWeight float64            `yaml:"default_weight"`
	BurstFactor   float64            `yaml:"burst_factor"`
}

// DefaultConfig returns the default weight table. Higher-impact attack
// classes weigh more.
func DefaultConfig() Config {
	return Config{
		LabelWeights: map[string]float64{
			"port_scan":     1,
			"bruteforce":    2,
			"sql_injection": 4,
			"malware":       5,
			"ddos":          6,
		},
		DefaultWeight: 1,
		BurstFactor:   1.25,
	}
}

// Contribution is one correlation's share of an address's risk.
type Contribution struct {
	AttackLabel string  `json:"label"`
	Count       int     `json:"count"`
	IsBurst     bool    `json:"burst"`
	Weight      float64 `json:"weight"`
	Score       float64 `json:"score"`
}

// Result is the risk assessment of one address.
type Result struct {
	Address       string         `json:"ip"`
	RiskScore     float64        `json:"risk_score"`
	Severity      Severity       `json:"severity"`
	Confidence    float64        `json:"confidence"`
	AttackCount   int            `json:"attack_count"`
	Labels        []string       `json:"labels"`
	Contributions []Contribution `json:"details"`
}

// Scorer computes risk results. It is safe for concurrent use.
type Scorer struct {
	cfg       Config
	estimator *confidence.Estimator
}

// NewScorer creates a scorer. Zero-valued fields of cfg fall back to defaults.
func NewScorer(estimator *confidence.Estimator, cfg Config) *Scorer {
	def := DefaultConfig()
	if len(cfg.LabelWeights) == 0 {
		cfg.LabelWeights = def.LabelWeights
	}
	weights := make(map[string]float64, len(cfg.LabelWeights))
	for label, w := range cfg.LabelWeights {
		weights[schema.NormalizeLabel(label)] = w
	}
	cfg.LabelWeights = weights
	if cfg.DefaultWeight <= 0 {
		cfg.DefaultWeight = def.DefaultWeight
	}
	if cfg.BurstFactor <= 0 {
		cfg.BurstFactor = def.BurstFactor
	}
	if estimator == nil {
		estimator = confidence.NewEstimator()
	}
	return &Scorer{cfg: cfg, estimator: estimator}
}

// Weight returns the weight of a label. "sql-injection" and "SQL Injection"
// share the weight of sql_injection.
func (s *Scorer) Weight(label string) float64 {
	if w, ok := s.cfg.LabelWeights[schema.NormalizeLabel(label)]; ok {
		return w
	}
	return s.cfg.DefaultWeight
}

// Score computes one result per address, sorted by risk descending and
// address ascending. Correlations without an address, a label or a
// positive count are skipped.
func (s *Scorer) Score(corrs []correlation.Correlation, token string) []Result {
	if len(corrs) == 0 {
		return []Result{}
	}

	multiplier := window.Multiplier(token)

	type acc struct {
		raw   float64
		count int
		corrs []correlation.Correlation
		parts []Contribution
	}
	byAddr := make(map[string]*acc)

	for _, c := range corrs {
		if c.Address == "" || c.AttackLabel == "" || c.Count <= 0 {
			continue
		}

		weight := s.Weight(c.AttackLabel)
		score := float64(c.Count) * weight
		if c.IsBurst {
			score *= s.cfg.BurstFactor
		}
		score *= multiplier

		a, ok := byAddr[c.Address]
		if !ok {
			a = &acc{}
			byAddr[c.Address] = a
		}
		a.raw += score
		a.count += c.Count
		a.corrs = append(a.corrs, c)
		a.parts = append(a.parts, Contribution{
			AttackLabel: c.AttackLabel,
			Count:       c.Count,
			IsBurst:     c.IsBurst,
			Weight:      weight,
			Score:       confidence.Round2(score),
		})
	}

	results := make([]Result, 0, len(byAddr))
	for addr, a := range byAddr {
		score := confidence.Round2(math.Max(0, math.Min(a.raw, MaxScore)))
		results = append(results, Result{
			Address:       addr,
			RiskScore:     score,
			Severity:      SeverityFor(score),
			Confidence:    s.estimator.Estimate(a.corrs, token).Score,
			AttackCount:   a.count,
			Labels:        correlation.Labels(a.corrs),
			Contributions: a.parts,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].RiskScore != results[j].RiskScore {
			return results[i].RiskScore > results[j].RiskScore
		}
		return results[i].Address < results[j].Address
	})
	return results
}

// Find returns the result for address.
func Find(results []Result, address string) (Result, bool) {
	for _, r := range results {
		if r.Address == address {
			return r, true
		}
	}
	return Result{}, false
}
