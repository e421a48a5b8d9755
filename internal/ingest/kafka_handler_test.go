package ingest

import (
	"context"
	"errors"
	"testing"

	"nids-responder/internal/kafka"
	"nids-responder/internal/queue"
)

func TestIntake_KafkaHandler(t *testing.T) {
	intake, q, rq := newTestIntake(1)
	handle := intake.KafkaHandler()
	ctx := context.Background()

	valid := []byte(detectionJSON("203.0.113.5", "ddos"))

	if err := handle(ctx, kafka.Message{Topic: "nids-detections", Value: valid}); err != nil {
		t.Fatalf("valid message error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}

	// invalid payloads are committed and quarantined
	if err := handle(ctx, kafka.Message{Value: []byte(`garbage`)}); err != nil {
		t.Errorf("undecodable message error = %v, want nil", err)
	}
	if err := handle(ctx, kafka.Message{Value: []byte(detectionJSON("nope", "ddos"))}); err != nil {
		t.Errorf("invalid message error = %v, want nil", err)
	}
	entries := rq.all()
	if len(entries) != 2 {
		t.Fatalf("quarantined %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Source != "kafka" {
			t.Errorf("Source = %q, want kafka", e.Source)
		}
	}

	// a full queue leaves the offset uncommitted
	err := handle(ctx, kafka.Message{Value: valid})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("full queue error = %v, want ErrQueueFull", err)
	}

	q.Close()
	err = handle(ctx, kafka.Message{Value: valid})
	if !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("closed queue error = %v, want ErrQueueClosed", err)
	}
}
