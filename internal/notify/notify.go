// Package notify delivers user-facing events. Delivery is fire-and-forget:
// callers log failures and never let a notification block a balance change.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

type envelope struct {
	UserID  string         `json:"user_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sent_at"`
}

// KafkaNotifier publishes events to a Kafka topic keyed by user id, so one
// user's notifications stay ordered within a partition.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaNotifier builds a notifier against the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: at least one kafka broker is required", teocoin.ErrInvalidConfig)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: kafka topic is required", teocoin.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaNotifier{writer: writer, logger: logger}, nil
}

// Notify publishes one event.
func (notifier *KafkaNotifier) Notify(ctx context.Context, user teocoin.UserID, kind string, payload map[string]any) error {
	value, err := json.Marshal(envelope{
		UserID:  user.String(),
		Kind:    kind,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = notifier.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(user.String()),
		Value: value,
	})
	if err != nil {
		notifier.logger.Warn("notification publish failed",
			zap.String("user_id", user.String()),
			zap.String("kind", kind),
			zap.Error(err))
		return fmt.Errorf("%w: %v", teocoin.ErrExternalUnavailable, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (notifier *KafkaNotifier) Close() error {
	return notifier.writer.Close()
}

// LogNotifier writes events to the structured log. It backs deployments
// without a broker and the CLI tooling.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs one event.
func (notifier *LogNotifier) Notify(ctx context.Context, user teocoin.UserID, kind string, payload map[string]any) error {
	notifier.logger.Info("notification",
		zap.String("user_id", user.String()),
		zap.String("kind", kind),
		zap.Any("payload", payload))
	return nil
}
