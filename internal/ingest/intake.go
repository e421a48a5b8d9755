// Package ingest accepts detection events from sensors over HTTP, a TCP
// stream and Kafka, validates them and hands them to the write queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"nids-responder/internal/queue"
	"nids-responder/internal/schema"
	"nids-responder/internal/storage"
)

// Quarantine error codes.
const (
	CodeDecodeFailed     = "decode_failed"
	CodeValidationFailed = "validation_failed"
)

// Quarantiner stores payloads that could not be accepted.
type Quarantiner interface {
	Quarantine(ctx context.Context, entries ...storage.QuarantineEntry) error
}

// DetectionInput is the wire form of a detection sent by a sensor.
type DetectionInput struct {
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
	Label     string    `json:"label"`
	Action    string    `json:"action,omitempty"`
}

// Event converts the input to a detection event. The address is stored in
// canonical form, labels are lower-cased, and a missing action reads as
// observed.
func (in DetectionInput) Event() schema.DetectionEvent {
	outcome := schema.Outcome(strings.ToLower(strings.TrimSpace(in.Action)))
	if outcome == "" {
		outcome = schema.OutcomeObserved
	}
	return schema.DetectionEvent{
		Address:     schema.CanonicalAddress(in.IP),
		Timestamp:   in.Timestamp.UTC(),
		AttackLabel: strings.ToLower(strings.TrimSpace(in.Label)),
		Outcome:     outcome,
	}
}

// Submission pairs a decoded input with the raw bytes it came from.
type Submission struct {
	Input DetectionInput
	Raw   []byte
}

// Result summarizes one Submit call.
type Result struct {
	Accepted int
	Rejected int
	Errors   []string
	// QueueErr is the first queue error seen, if any.
	QueueErr error
}

// Hooks are optional callbacks fired after each Submit.
type Hooks struct {
	Accepted func(n int)
	Rejected func(n int)
	Dropped  func(n int)
}

// IntakeMetrics holds counters for accepted and rejected detections.
type IntakeMetrics struct {
	Accepted    uint64
	Rejected    uint64
	Dropped     uint64
	Quarantined uint64
}

// Intake validates detections and pushes them onto the write queue. It is
// shared by every ingestion transport.
type Intake struct {
	validator  *schema.Validator
	queue      *queue.RingBuffer
	quarantine Quarantiner
	hooks      Hooks
	logger     *slog.Logger

	accepted    atomic.Uint64
	rejected    atomic.Uint64
	dropped     atomic.Uint64
	quarantined atomic.Uint64
}

// NewIntake creates an Intake writing to q.
func NewIntake(validator *schema.Validator, q *queue.RingBuffer, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		validator: validator,
		queue:     q,
		logger:    logger,
	}
}

// WithQuarantine stores rejected payloads in q.
func (in *Intake) WithQuarantine(q Quarantiner) *Intake {
	in.quarantine = q
	return in
}

// WithHooks sets the callbacks fired after each Submit.
func (in *Intake) WithHooks(h Hooks) *Intake {
	in.hooks = h
	return in
}

// Submit validates and enqueues each submission. Invalid detections are
// quarantined; queue failures are not, since the payload itself was fine.
func (in *Intake) Submit(ctx context.Context, source, sourceIP string, subs ...Submission) Result {
	var res Result
	var dropped int
	var quarantine []storage.QuarantineEntry

	for i, sub := range subs {
		event := sub.Input.Event()

		if err := in.validator.Validate(&event); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("detection[%d]: %s", i, err.Error()))
			quarantine = append(quarantine, storage.QuarantineEntry{
				RawEvent:         string(sub.Raw),
				SourceIP:         sourceIP,
				Source:           source,
				ValidationErrors: []string{err.Error()},
				ErrorCode:        CodeValidationFailed,
			})
			continue
		}

		if err := in.queue.Push(event); err != nil {
			res.Rejected++
			dropped++
			if res.QueueErr == nil {
				res.QueueErr = err
			}
			if errors.Is(err, queue.ErrQueueFull) {
				res.Errors = append(res.Errors, fmt.Sprintf("detection[%d]: queue full", i))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("detection[%d]: %s", i, err.Error()))
			}
			continue
		}

		res.Accepted++
	}

	in.accepted.Add(uint64(res.Accepted))
	in.rejected.Add(uint64(res.Rejected))
	in.dropped.Add(uint64(dropped))
	in.store(ctx, quarantine)

	if res.Accepted > 0 && in.hooks.Accepted != nil {
		in.hooks.Accepted(res.Accepted)
	}
	if res.Rejected > 0 && in.hooks.Rejected != nil {
		in.hooks.Rejected(res.Rejected)
	}
	if dropped > 0 && in.hooks.Dropped != nil {
		in.hooks.Dropped(dropped)
	}

	return res
}

// SubmitRaw decodes a single JSON detection and submits it. A payload that
// does not decode is rejected and quarantined.
func (in *Intake) SubmitRaw(ctx context.Context, source, sourceIP string, raw []byte) Result {
	var input DetectionInput
	if err := json.Unmarshal(raw, &input); err != nil {
		in.Reject(ctx, source, sourceIP, raw, err)
		return Result{Rejected: 1, Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return in.Submit(ctx, source, sourceIP, Submission{Input: input, Raw: raw})
}

// Reject records a payload that could not be decoded.
func (in *Intake) Reject(ctx context.Context, source, sourceIP string, raw []byte, cause error) {
	in.rejected.Add(1)
	if in.hooks.Rejected != nil {
		in.hooks.Rejected(1)
	}
	in.store(ctx, []storage.QuarantineEntry{{
		RawEvent:         string(raw),
		SourceIP:         sourceIP,
		Source:           source,
		ValidationErrors: []string{cause.Error()},
		ErrorCode:        CodeDecodeFailed,
	}})
}

func (in *Intake) store(ctx context.Context, entries []storage.QuarantineEntry) {
	if in.quarantine == nil || len(entries) == 0 {
		return
	}
	if err := in.quarantine.Quarantine(ctx, entries...); err != nil {
		in.logger.Warn("failed to quarantine rejected detections",
			"count", len(entries),
			"source", entries[0].Source,
			"error", err,
		)
		return
	}
	in.quarantined.Add(uint64(len(entries)))
}

// Metrics returns the intake counters.
func (in *Intake) Metrics() IntakeMetrics {
	return IntakeMetrics{
		Accepted:    in.accepted.Load(),
		Rejected:    in.rejected.Load(),
		Dropped:     in.dropped.Load(),
		Quarantined: in.quarantined.Load(),
	}
}

// Queue returns the queue detections are pushed to.
func (in *Intake) Queue() *queue.RingBuffer {
	return in.queue
}
