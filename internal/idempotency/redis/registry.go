package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/idempotency"
)

// Registry реализует idempotency.Registry используя Redis
// SetNX даёт атомарный insert-if-absent через общий storage,
// поэтому гарантия "ровно один created=true" сохраняется
// и при нескольких инстансах сервиса
type Registry struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRegistry создаёт новый Redis реестр идемпотентности
func NewRegistry(client *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger,
	}
}

func registryKey(key string) string {
	return fmt.Sprintf("payment:idem:%s", key)
}

// Reserve атомарно резервирует ключ за candidateTxID через SetNX.
// Записи живут без TTL: ключ нельзя терять, пока на него может прийти
// повторная отправка, которой нужен консистентный ответ. Очистка записей
// терминальных транзакций - отдельная операционная политика.
func (r *Registry) Reserve(ctx context.Context, key, candidateTxID string) (string, bool, error) {
	if key == "" {
		return "", false, idempotency.ErrEmptyKey
	}

	rkey := registryKey(key)

	created, err := r.client.SetNX(ctx, rkey, candidateTxID, 0).Result()
	if err != nil {
		r.logger.Error("failed to reserve idempotency key in redis",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return "", false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	if created {
		r.logger.Debug("idempotency key reserved",
			zap.String("idempotency_key", key),
			zap.String("transaction_id", candidateTxID),
		)
		return candidateTxID, true, nil
	}

	// Ключ занят - читаем id существующей транзакции
	existing, err := r.client.Get(ctx, rkey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Ключ исчез между SetNX и Get: для терминальных транзакций записи
			// могут чиститься политикой - пробуем зарезервировать повторно
			return r.Reserve(ctx, key, candidateTxID)
		}
		r.logger.Error("failed to read idempotency key owner from redis",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return "", false, fmt.Errorf("failed to read idempotency key owner: %w", err)
	}

	return existing, false, nil
}
