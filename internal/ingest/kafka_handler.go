package ingest

import (
	"context"

	"nids-responder/internal/kafka"
)

// KafkaHandler returns a consumer handler that reads one JSON detection per
// message. Invalid messages are quarantined and committed. Queue failures
// are returned so the offset stays uncommitted and the message is retried.
func (in *Intake) KafkaHandler() kafka.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		res := in.SubmitRaw(ctx, "kafka", "", msg.Value)
		if res.QueueErr != nil {
			return res.QueueErr
		}
		if res.Rejected > 0 {
			in.logger.Debug("rejected kafka detection",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"errors", res.Errors,
			)
		}
		return nil
	}
}
