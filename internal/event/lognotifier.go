package event

import (
	"context"

	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/service"
)

// LogNotifier реализует service.Notifier через структурированный лог
// Используется в локальной среде, где Kafka не поднята
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт новый LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify пишет событие в лог и всегда завершается успешно
func (n *LogNotifier) Notify(_ context.Context, event service.Event) error {
	fields := []zap.Field{
		zap.String("event_type", event.Type),
		zap.String("transaction_id", event.TransactionID),
		zap.Int64("amount", event.Amount),
		zap.String("currency", event.Currency),
		zap.String("method", event.Method),
		zap.String("gateway", event.Gateway),
		zap.String("gateway_reference", event.GatewayReference),
	}
	if event.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", event.FailureReason))
	}

	n.logger.Info("transaction event", fields...)
	return nil
}
