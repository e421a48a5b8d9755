// Package confidence estimates how trustworthy a set of correlations is.
package confidence

import (
	"math"
	"time"

	"nids-responder/internal/correlation"
	"nids-responder/internal/window"
)

// Factor names reported in Result.Factors.
const (
	FactorVolume    = "volume"
	FactorBurst     = "burst"
	FactorDiversity = "diversity"
	FactorTemporal  = "temporal"
	FactorRecency   = "recency"
	FactorWindow    = "window_factor"
)

// Factor weights. They sum to 1.
const (
	WeightVolume    = 0.30
	WeightBurst     = 0.25
	WeightDiversity = 0.15
	WeightTemporal  = 0.15
	WeightRecency   = 0.15
)

// Result is the confidence score and the factors that produced it.
type Result struct {
	Score   float64            `json:"score"`
	Factors map[string]float64 `json:"factors"`
}

// Estimator computes confidence scores. It is safe for concurrent use.
type Estimator struct {
	now func() time.Time
}

// NewEstimator creates an estimator using the wall clock.
func NewEstimator() *Estimator {
	return &Estimator{now: time.Now}
}

// WithClock replaces the clock used for recency.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Estimate scores corrs for the window named by token.
func (e *Estimator) Estimate(corrs []correlation.Correlation, token string) Result {
	if len(corrs) == 0 {
		return Result{Score: 0, Factors: map[string]float64{}}
	}

	total := 0
	anyBurst := false
	labels := make(map[string]struct{})
	var stamps []time.Time
	for _, c := range corrs {
		total += c.Count
		if c.IsBurst {
			anyBurst = true
		}
		if c.AttackLabel != "" {
			labels[c.AttackLabel] = struct{}{}
		}
		if !c.FirstSeen.IsZero() {
			stamps = append(stamps, c.FirstSeen)
		}
		if !c.LastSeen.IsZero() {
			stamps = append(stamps, c.LastSeen)
		}
	}

	volume := volumeFactor(total)
	burst := 0.3
	if anyBurst {
		burst = 1.0
	}
	diversity := diversityFactor(len(labels))
	temporal := temporalFactor(stamps)
	recency := recencyFactor(stamps, e.now())

	base := clamp(volume)*WeightVolume +
		clamp(burst)*WeightBurst +
		clamp(diversity)*WeightDiversity +
		clamp(temporal)*WeightTemporal +
		clamp(recency)*WeightRecency

	decay := window.Decay(token)

	return Result{
		Score: Round2(clamp(base * decay)),
		Factors: map[string]float64{
			FactorVolume:    Round2(volume),
			FactorBurst:     Round2(burst),
			FactorDiversity: Round2(diversity),
			FactorTemporal:  Round2(temporal),
			FactorRecency:   Round2(recency),
			FactorWindow:    Round2(decay),
		},
	}
}

func volumeFactor(total int) float64 {
	switch {
	case total >= 20:
		return 1.0
	case total >= 10:
		return 0.7
	case total >= 5:
		return 0.4
	default:
		return 0.2
	}
}

func diversityFactor(labels int) float64 {
	switch {
	case labels >= 3:
		return 1.0
	case labels == 2:
		return 0.6
	default:
		return 0.3
	}
}

func temporalFactor(stamps []time.Time) float64 {
	for i := 1; i < len(stamps); i++ {
		if !stamps[i].Equal(stamps[0]) {
			return 0.7
		}
	}
	return 0.3
}

func recencyFactor(stamps []time.Time, now time.Time) float64 {
	if len(stamps) == 0 {
		return 0.4
	}

	var sum float64
	for _, ts := range stamps {
		sum += math.Max(0, now.Sub(ts).Seconds())
	}
	avg := sum / float64(len(stamps))

	switch {
	case avg <= 300:
		return 1.0
	case avg <= 3600:
		return 0.8
	case avg <= 21600:
		return 0.6
	default:
		return 0.4
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}

// Round2 rounds v to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
