// Package response runs one evaluation of an address through the full
// pipeline: correlate, score, decide, enforce, explain, and audit.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"nids-responder/internal/audit"
	"nids-responder/internal/correlation"
	"nids-responder/internal/decision"
	"nids-responder/internal/enforcement"
	"nids-responder/internal/metrics"
	"nids-responder/internal/risk"
	"nids-responder/internal/schema"
	"nids-responder/internal/window"
)

var (
	// ErrInvalidAddress is returned for addresses that are not IPs.
	ErrInvalidAddress = errors.New("response: invalid address")
	// ErrAuditFailure wraps audit write errors.
	ErrAuditFailure = errors.New("response: audit write failed")
)

// Recorder appends audit events. *audit.Writer satisfies it.
type Recorder interface {
	Record(ctx context.Context, e audit.Event) (audit.Event, error)
}

// Config holds service configuration.
type Config struct {
	Workers int `yaml:"workers"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{Workers: 8}
}

// Outcome is the full result of one evaluation.
type Outcome struct {
	Address     string                   `json:"ip"`
	Window      string                   `json:"window"`
	Risk        risk.Result              `json:"risk"`
	Decision    decision.Decision        `json:"decision"`
	Action      enforcement.ActionResult `json:"action"`
	Explanation audit.Explanation        `json:"explanation"`
	AuditID     string                   `json:"audit_id"`
	AuditSeq    uint64                   `json:"audit_sequence"`
}

// Service wires the pipeline stages together.
type Service struct {
	correlator *correlation.Correlator
	scorer     *risk.Scorer
	engine     *decision.Engine
	dispatcher *enforcement.Dispatcher
	recorder   Recorder
	metrics    *metrics.Metrics
	config     Config
	logger     *slog.Logger
}

// NewService creates a Service. m may be nil.
func NewService(
	correlator *correlation.Correlator,
	scorer *risk.Scorer,
	engine *decision.Engine,
	dispatcher *enforcement.Dispatcher,
	recorder Recorder,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		correlator: correlator,
		scorer:     scorer,
		engine:     engine,
		dispatcher: dispatcher,
		recorder:   recorder,
		metrics:    m,
		config:     cfg,
		logger:     logger,
	}
}

// Correlator returns the service's correlator.
func (s *Service) Correlator() *correlation.Correlator { return s.correlator }

// Engine returns the service's decision engine.
func (s *Service) Engine() *decision.Engine { return s.engine }

// Risk scores every address in the window.
func (s *Service) Risk(ctx context.Context, token string) ([]risk.Result, error) {
	if _, err := window.Parse(token); err != nil {
		return nil, err
	}
	corrs, err := s.correlator.Correlate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.scorer.Score(corrs, token), nil
}

// Evaluate runs the pipeline for one address. Persistence failures wrap
// decision.ErrPersistenceFailure; no action is taken in that case.
func (s *Service) Evaluate(ctx context.Context, address, token string) (Outcome, error) {
	if _, err := netip.ParseAddr(strings.TrimSpace(address)); err != nil {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	address = schema.CanonicalAddress(address)

	results, err := s.Risk(ctx, token)
	if err != nil {
		return Outcome{}, err
	}

	r, ok := risk.Find(results, address)
	if !ok {
		r = risk.Result{
			Address:  address,
			Severity: risk.SeverityLow,
			Labels:   []string{},
		}
	}
	return s.evaluate(ctx, r, token)
}

// EvaluateAll evaluates every address with activity in the window using
// a bounded worker pool. Outcomes follow risk order. Failed evaluations
// are left out and their errors joined.
func (s *Service) EvaluateAll(ctx context.Context, token string) ([]Outcome, error) {
	results, err := s.Risk(ctx, token)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(results))
	errs := make([]error, len(results))
	jobs := make(chan int)

	workers := s.config.Workers
	if workers > len(results) {
		workers = len(results)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i], errs[i] = s.evaluate(ctx, results[i], token)
			}
		}()
	}

feed:
	for i := range results {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	done := make([]Outcome, 0, len(results))
	for i := range results {
		if errs[i] == nil && outcomes[i].Address != "" {
			done = append(done, outcomes[i])
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return done, errors.Join(errs...)
}

func (s *Service) evaluate(ctx context.Context, r risk.Result, token string) (Outcome, error) {
	start := time.Now()

	d, err := s.engine.Decide(ctx, decision.Input{
		Address:     r.Address,
		AttackCount: r.AttackCount,
		RiskScore:   r.RiskScore,
		Confidence:  r.Confidence,
		Labels:      r.Labels,
	})
	if err != nil {
		if s.metrics != nil && errors.Is(err, decision.ErrPersistenceFailure) {
			s.metrics.PersistenceFailures.Inc()
		}
		return Outcome{}, err
	}

	action := s.dispatcher.Execute(ctx, d.Address, d.Verdict)

	explanation := audit.Explain(d.Verdict, map[string]interface{}{
		audit.SignalRiskScore:         d.RiskScore,
		audit.SignalConfidence:        d.Confidence,
		audit.SignalDetectionsCount:   r.AttackCount,
		audit.SignalUniqueAttackTypes: len(r.Labels),
	})

	out := Outcome{
		Address:     d.Address,
		Window:      token,
		Risk:        r,
		Decision:    d,
		Action:      action,
		Explanation: explanation,
	}

	entry, err := s.recorder.Record(ctx, audit.Event{
		Timestamp:   action.Timestamp,
		Phase:       audit.PhaseResponse,
		Address:     d.Address,
		Window:      token,
		RiskScore:   d.RiskScore,
		Confidence:  d.Confidence,
		Severity:    string(d.Severity),
		Decision:    d.Verdict.String(),
		Action:      string(action.Action),
		Executed:    action.Executed,
		Reason:      d.Reason,
		Policy:      d.Policy,
		AttackCount: r.AttackCount,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuditErrors.Inc()
		}
		return out, fmt.Errorf("%w: %w", ErrAuditFailure, err)
	}
	out.AuditID = entry.ID
	out.AuditSeq = entry.Sequence

	if s.metrics != nil {
		s.metrics.ObserveDecision(d.Verdict.String(), d.Policy, d.RiskScore)
		s.metrics.ObserveAction(string(action.Action), action.Executed)
		s.metrics.AuditWrites.Inc()
		s.metrics.EvaluationSeconds.Observe(time.Since(start).Seconds())
	}

	s.logger.Info("evaluated address",
		"ip", d.Address,
		"window", token,
		"decision", d.Verdict.String(),
		"risk_score", d.RiskScore,
		"confidence", d.Confidence,
		"action", string(action.Action),
		"policy", d.Policy,
	)
	return out, nil
}
