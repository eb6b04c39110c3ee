package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/service"
)

// Notifier реализует service.Notifier используя Kafka
// Публикует события терминальных исходов транзакций; потребители
// (mailer, аналитика) подписываются на топик самостоятельно
type Notifier struct {
	logger *zap.Logger
	writer *kafka.Writer
	topic  string
}

// NewNotifier создаёт новый Kafka notifier
func NewNotifier(logger *zap.Logger, brokers []string, topic string) *Notifier {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &Notifier{
		logger: logger,
		writer: writer,
		topic:  topic,
	}
}

// Close закрывает Kafka writer
func (n *Notifier) Close() error {
	return n.writer.Close()
}

// Notify публикует событие терминального исхода транзакции в Kafka
func (n *Notifier) Notify(ctx context.Context, event service.Event) error {
	payload := map[string]interface{}{
		"event_id":          uuid.New().String(),
		"event_type":        event.Type,
		"event_version":     1,
		"occurred_at":       time.Now().UTC().Format(time.RFC3339),
		"transaction_id":    event.TransactionID,
		"idempotency_key":   event.IdempotencyKey,
		"amount":            event.Amount,
		"currency":          event.Currency,
		"method":            event.Method,
		"gateway":           event.Gateway,
		"gateway_reference": event.GatewayReference,
	}
	if event.FailureReason != "" {
		payload["failure_reason"] = event.FailureReason
	}

	valueBytes, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal transaction event",
			zap.Error(err),
			zap.String("transaction_id", event.TransactionID),
		)
		return err
	}

	message := kafka.Message{
		Key:   []byte(event.TransactionID), // партиционирование по транзакции
		Value: valueBytes,
	}

	if err := n.writer.WriteMessages(ctx, message); err != nil {
		n.logger.Error("failed to publish transaction event",
			zap.Error(err),
			zap.String("topic", n.topic),
			zap.String("event_type", event.Type),
			zap.String("transaction_id", event.TransactionID),
		)
		return err
	}

	n.logger.Info("transaction event published",
		zap.String("topic", n.topic),
		zap.String("event_type", event.Type),
		zap.String("transaction_id", event.TransactionID),
		zap.Int64("amount", event.Amount),
	)

	return nil
}
