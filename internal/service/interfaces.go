package service

import (
	"context"
	"time"
)

// Типы событий, отправляемых в Notifier при достижении терминального статуса
const (
	EventTransactionSucceeded = "transaction.succeeded"
	EventTransactionFailed    = "transaction.failed"
)

// Event представляет уведомление о терминальном исходе транзакции
type Event struct {
	Type             string
	TransactionID    string
	IdempotencyKey   string
	Amount           int64
	Currency         string
	Method           string
	Gateway          string
	GatewayReference string
	FailureReason    string
}

// Notifier определяет интерфейс доставки уведомлений о терминальных исходах.
// Вызовы fire-and-forget: ошибка Notify логируется и никогда не влияет
// на корректность транзакции.
//
//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=Notifier --dir=. --output=./mocks --outpkg=mocks
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Sleeper определяет интерфейс для backoff-задержки (подменяется в тестах)
type Sleeper interface {
	// Sleep выполняет задержку на указанное время или до отмены контекста
	Sleep(ctx context.Context, d time.Duration) error
}

// DefaultSleeper реализует Sleeper используя time.After
type DefaultSleeper struct{}

// Sleep выполняет задержку используя time.After
func (s *DefaultSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
