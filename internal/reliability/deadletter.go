package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterMetadata describes why and where a message was dead-lettered,
// as recorded by the broker in the x-death header
type DeadLetterMetadata struct {
	OriginalQueue    string
	OriginalExchange string
	RoutingKeys      []string
	Reason           string
	Count            int64
	DeadLetteredAt   time.Time
}

// ExtractDeadLetterMetadata reads the broker's dead-letter headers.
// The most recent death is the first entry of x-death.
func ExtractDeadLetterMetadata(headers amqp.Table) DeadLetterMetadata {
	md := DeadLetterMetadata{
		OriginalQueue:    headerString(headers, "x-first-death-queue"),
		OriginalExchange: headerString(headers, "x-first-death-exchange"),
		Reason:           headerString(headers, "x-first-death-reason"),
	}

	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return md
	}

	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return md
	}

	if queue, ok := death["queue"].(string); ok {
		md.OriginalQueue = queue
	}
	if exchange, ok := death["exchange"].(string); ok {
		md.OriginalExchange = exchange
	}
	if reason, ok := death["reason"].(string); ok {
		md.Reason = reason
	}
	switch count := death["count"].(type) {
	case int64:
		md.Count = count
	case int32:
		md.Count = int64(count)
	case int:
		md.Count = int64(count)
	}
	if at, ok := death["time"].(time.Time); ok {
		md.DeadLetteredAt = at
	}
	if keys, ok := death["routing-keys"].([]interface{}); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				md.RoutingKeys = append(md.RoutingKeys, s)
			}
		}
	}

	return md
}

func headerString(headers amqp.Table, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}

// QueuePublisher republishes a payload straight to a queue
type QueuePublisher interface {
	PublishToQueue(ctx context.Context, queue string, payload any) error
}

// DeadLetterReplayer moves dead-lettered messages back to the queue they
// were rejected from
type DeadLetterReplayer struct {
	publisher QueuePublisher
	logger    *slog.Logger
}

// NewDeadLetterReplayer creates a replayer publishing through publisher
func NewDeadLetterReplayer(publisher QueuePublisher, logger *slog.Logger) *DeadLetterReplayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterReplayer{publisher: publisher, logger: logger}
}

// Replay republishes body to its original queue. A message without a
// recorded origin is reported as a permanent failure.
func (r *DeadLetterReplayer) Replay(ctx context.Context, headers amqp.Table, body []byte) error {
	md := ExtractDeadLetterMetadata(headers)
	if md.OriginalQueue == "" {
		return Permanent(ErrNoOriginalQueue)
	}

	if err := r.publisher.PublishToQueue(ctx, md.OriginalQueue, json.RawMessage(body)); err != nil {
		return fmt.Errorf("republish to %s: %w", md.OriginalQueue, err)
	}

	r.logger.Info("dead letter replayed",
		"queue", md.OriginalQueue,
		"reason", md.Reason,
		"deaths", md.Count,
	)
	return nil
}

// Describe logs the dead-letter metadata without moving the message
func (r *DeadLetterReplayer) Describe(headers amqp.Table, body []byte) DeadLetterMetadata {
	md := ExtractDeadLetterMetadata(headers)
	r.logger.Info("dead letter",
		"queue", md.OriginalQueue,
		"exchange", md.OriginalExchange,
		"routingKeys", md.RoutingKeys,
		"reason", md.Reason,
		"deaths", md.Count,
		"deadLetteredAt", md.DeadLetteredAt,
		"bytes", len(body),
	)
	return md
}
