package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"nids-responder/internal/risk"
	"nids-responder/internal/schema"
)

// Thresholds configures the decision rules.
type Thresholds struct {
	BlockCount       int           `yaml:"block_count"`
	BlockConfidence  float64       `yaml:"block_confidence"`
	RateLimitRisk    float64       `yaml:"rate_limit_risk"`
	AlertRisk        float64       `yaml:"alert_risk"`
	BlockRiskFloor   float64       `yaml:"block_risk_floor"`
	ForcedRisk       float64       `yaml:"forced_risk"`
	ForcedConfidence float64       `yaml:"forced_confidence"`
	PersistTimeout   time.Duration `yaml:"persist_timeout"`
}

// DefaultThresholds returns the default decision thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BlockCount:       5,
		BlockConfidence:  0.7,
		RateLimitRisk:    60,
		AlertRisk:        30,
		BlockRiskFloor:   80,
		ForcedRisk:       100,
		ForcedConfidence: 0.9,
		PersistTimeout:   5 * time.Second,
	}
}

// Input is the evidence for one address in one window.
type Input struct {
	Address     string
	AttackCount int
	RiskScore   float64
	Confidence  float64
	Labels      []string
}

// Decision is the outcome of Decide. It is audited but not persisted.
type Decision struct {
	Address    string        `json:"ip"`
	Verdict    Verdict       `json:"decision"`
	Severity   risk.Severity `json:"severity"`
	RiskScore  float64       `json:"risk_score"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	Forced     bool          `json:"forced"`
	Policy     string        `json:"policy"`
}

// Engine applies the decision rules. It is the only writer of the
// hard-block set, and calls for the same address are serialized.
type Engine struct {
	store  HardBlockStore
	policy *Policy
	th     Thresholds
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
	onPut  func(HardBlockRecord)

	decisions  atomic.Int64
	hardBlocks atomic.Int64
	failures   atomic.Int64
}

// NewEngine creates an engine over store. A nil policy applies no overrides.
func NewEngine(store HardBlockStore, policy *Policy, th Thresholds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultThresholds()
	if th.BlockCount <= 0 {
		th.BlockCount = def.BlockCount
	}
	if th.PersistTimeout <= 0 {
		th.PersistTimeout = def.PersistTimeout
	}
	if th.ForcedRisk <= 0 {
		th.ForcedRisk = def.ForcedRisk
	}
	return &Engine{
		store:  store,
		policy: policy,
		th:     th,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for BlockedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithHardBlockHook registers fn to run after each new hard block is
// persisted.
func (e *Engine) WithHardBlockHook(fn func(HardBlockRecord)) *Engine {
	e.onPut = fn
	return e
}

// Decide maps in to a decision, persisting a hard block when the address
// crosses the block condition. If the hard-block store cannot be read or
// written the error wraps ErrPersistenceFailure and no decision is returned.
func (e *Engine) Decide(ctx context.Context, in Input) (Decision, error) {
	in.Address = schema.CanonicalAddress(in.Address)
	if in.Address == "" {
		return Decision{}, fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	in.RiskScore = clamp(in.RiskScore, 0, risk.MaxScore)
	in.Confidence = clamp(in.Confidence, 0, 1)
	if in.AttackCount < 0 {
		in.AttackCount = 0
	}

	unlock := e.locks.Lock(in.Address)
	defer unlock()

	d, err := e.decide(ctx, in)
	if err != nil {
		e.failures.Add(1)
		e.logger.Error("decision failed", "ip", in.Address, "error", err)
		return Decision{}, err
	}
	e.decisions.Add(1)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, in Input) (Decision, error) {
	readCtx, cancel := context.WithTimeout(ctx, e.th.PersistTimeout)
	rec, blocked, err := e.store.Get(readCtx, in.Address)
	cancel()
	if err != nil {
		return Decision{}, wrapPersistence("read", in.Address, err)
	}

	// 1. a past hard block always dominates
	if blocked {
		return e.forced(in, PolicyHardBlock, "IP previously hard-blocked: "+rec.Reason), nil
	}

	if e.policy.Blocklisted(in.Address) {
		return e.forced(in, PolicyBlocklist, "IP is on the static blocklist"), nil
	}
	if e.policy.Allowed(in.Address) {
		return e.result(in, Allow, PolicyAllowlist, "IP is allowlisted"), nil
	}

	// 2. nothing observed in this window
	if in.AttackCount == 0 {
		return e.result(in, Monitor, PolicyNoActivity, "No attacks observed"), nil
	}

	if label, ok := e.policy.AlwaysBlock(in.Labels); ok {
		reason := fmt.Sprintf("attack type %s is always blocked", label)
		if err := e.persist(ctx, in.Address, reason); err != nil {
			return Decision{}, err
		}
		in.RiskScore = math.Max(in.RiskScore, e.th.BlockRiskFloor)
		return e.result(in, BlockEscalate, PolicyAttackType, reason), nil
	}

	// 3. sustained, high-confidence volume escalates permanently
	if in.AttackCount >= e.th.BlockCount && in.Confidence >= e.th.BlockConfidence {
		reason := fmt.Sprintf("sustained attack: %d detections at confidence %.2f", in.AttackCount, in.Confidence)
		if err := e.persist(ctx, in.Address, reason); err != nil {
			return Decision{}, err
		}
		in.RiskScore = math.Max(in.RiskScore, e.th.BlockRiskFloor)
		return e.result(in, Block, PolicyThresholds, "Attack volume and confidence exceeded hard-block threshold"), nil
	}

	// 4-6
	switch {
	case in.RiskScore >= e.th.RateLimitRisk && in.Confidence >= e.th.BlockConfidence:
		return e.result(in, RateLimit, PolicyThresholds, "High risk with high confidence"), nil
	case in.RiskScore >= e.th.AlertRisk:
		return e.result(in, Alert, PolicyThresholds, "Risk score exceeded alert threshold"), nil
	default:
		return e.result(in, Allow, PolicyThresholds, "Risk below alert threshold"), nil
	}
}

func (e *Engine) persist(ctx context.Context, address, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, e.th.PersistTimeout)
	defer cancel()

	rec := HardBlockRecord{Address: address, Reason: reason, BlockedAt: e.now().UTC()}
	if err := e.store.Put(ctx, rec); err != nil {
		return wrapPersistence("write", address, err)
	}

	e.hardBlocks.Add(1)
	e.logger.Warn("hard-blocked IP address", "ip", address, "reason", reason)
	if e.onPut != nil {
		e.onPut(rec)
	}
	return nil
}

func (e *Engine) forced(in Input, policy, reason string) Decision {
	in.RiskScore = math.Min(math.Max(in.RiskScore, e.th.ForcedRisk), risk.MaxScore)
	in.Confidence = math.Min(math.Max(in.Confidence, e.th.ForcedConfidence), 1)
	d := e.result(in, Block, policy, reason)
	d.Forced = true
	return d
}

func (e *Engine) result(in Input, v Verdict, policy, reason string) Decision {
	return Decision{
		Address:    in.Address,
		Verdict:    v,
		Severity:   risk.SeverityFor(in.RiskScore),
		RiskScore:  round2(in.RiskScore),
		Confidence: round2(in.Confidence),
		Reason:     reason,
		Policy:     policy,
	}
}

// IsBlocked reports whether address is in the hard-block set.
func (e *Engine) IsBlocked(ctx context.Context, address string) (bool, error) {
	address = schema.CanonicalAddress(address)
	ctx, cancel := context.WithTimeout(ctx, e.th.PersistTimeout)
	defer cancel()
	_, ok, err := e.store.Get(ctx, address)
	if err != nil {
		return false, wrapPersistence("read", address, err)
	}
	return ok, nil
}

// Blocked returns the hard-block set sorted by address.
func (e *Engine) Blocked(ctx context.Context) ([]HardBlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.th.PersistTimeout)
	defer cancel()
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, wrapPersistence("list", "*", err)
	}
	return records, nil
}

// Stats returns engine counters.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"decisions":            e.decisions.Load(),
		"hard_blocks_added":    e.hardBlocks.Load(),
		"persistence_failures": e.failures.Load(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
