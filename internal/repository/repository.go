package repository

import (
	"context"
	"errors"
	"time"
)

// Status представляет статус транзакции в state machine платежа
type Status string

const (
	// StatusPending - транзакция создана, gateway ещё не подтвердил приём
	StatusPending Status = "PENDING"
	// StatusSubmitted - gateway принял платёж, ждём финального подтверждения
	StatusSubmitted Status = "SUBMITTED"
	// StatusSucceeded - платёж подтверждён gateway (терминальный)
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed - gateway окончательно отклонил платёж (терминальный)
	StatusFailed Status = "FAILED"
	// StatusTimedOut - ответ от gateway не получен в срок;
	// исход неизвестен, транзакцию доводит до конца reconciliation sweep
	StatusTimedOut Status = "TIMED_OUT"
)

// Terminal возвращает true для статусов, из которых запрещены любые переходы.
// TIMED_OUT не терминален: reconciliation может перевести его в SUCCEEDED или FAILED.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid проверяет, что статус входит в известный набор
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Transaction представляет доменную модель платёжной транзакции
// Это бизнес-сущность, не привязанная к HTTP или БД
//
// Amount хранится в минимальных единицах валюты (копейки/центы) - никаких float.
// После создания меняются только Status, GatewayReference, AttemptCount,
// FailureReason и UpdatedAt; остальные поля иммутабельны.
type Transaction struct {
	ID               string
	IdempotencyKey   string // ключ идемпотентности от клиента, может быть пустым
	Amount           int64  // минимальные единицы валюты
	Currency         string // ISO 4217, например "USD"
	Method           string // card / wallet / bank_transfer
	Gateway          string // имя адаптера, через который шёл платёж
	Status           Status
	GatewayReference string // внешний id от gateway, выставляется один раз при приёме
	AttemptCount     int
	FailureReason    string // заполняется только в FAILED
	CreatedAt        int64  // Unix timestamp
	UpdatedAt        int64  // Unix timestamp
}

// StatusUpdate описывает изменяемые поля при смене статуса.
// nil-поля не трогаются; GatewayReference и FailureReason выставляются
// только когда соответствующий переход их требует.
type StatusUpdate struct {
	Status            Status
	GatewayReference  *string
	FailureReason     *string
	IncrementAttempts bool
}

// TransactionStore определяет контракт durable-хранилища транзакций.
// Сериализация конкурентных изменений статуса обеспечивается compare-and-swap
// семантикой UpdateStatus, а не внутрипроцессными локами - это работает
// и при нескольких инстансах сервиса.
//
//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=TransactionStore --dir=. --output=./mocks --outpkg=mocks
type TransactionStore interface {
	// Create сохраняет новую транзакцию.
	// Возвращает ErrDuplicateID при повторном id
	// и ErrDuplicateKey при повторном непустом idempotency key.
	Create(ctx context.Context, tx Transaction) error

	// Get получает транзакцию по id.
	// Возвращает ErrNotFound, если транзакция не найдена.
	Get(ctx context.Context, id string) (Transaction, error)

	// GetByIdempotencyKey получает транзакцию по idempotency key.
	// Возвращает ErrNotFound, если транзакция не найдена.
	GetByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// UpdateStatus выполняет условное обновление: применяется только если
	// текущий статус равен expected, иначе возвращает ErrStatusConflict.
	// ErrStatusConflict означает, что конкурентный writer успел раньше -
	// вызывающий обязан перечитать запись и решить, применим ли ещё его переход.
	// Возвращает обновлённую транзакцию.
	UpdateStatus(ctx context.Context, id string, expected Status, upd StatusUpdate) (Transaction, error)

	// List возвращает все транзакции (для истории платежей и экспорта)
	List(ctx context.Context) ([]Transaction, error)

	// ListStale возвращает транзакции в указанных статусах, не обновлявшиеся
	// с updatedBefore, не более limit штук. Используется reconciliation sweep-ом.
	ListStale(ctx context.Context, statuses []Status, updatedBefore time.Time, limit int) ([]Transaction, error)
}

// ErrNotFound возвращается, когда транзакция не найдена в хранилище
var ErrNotFound = errors.New("transaction not found")

// ErrDuplicateID возвращается при попытке создать транзакцию с занятым id
var ErrDuplicateID = errors.New("transaction id already exists")

// ErrDuplicateKey возвращается при попытке создать вторую транзакцию
// с тем же idempotency key
var ErrDuplicateKey = errors.New("idempotency key already used")

// ErrStatusConflict возвращается из UpdateStatus, когда текущий статус
// не совпал с ожидаемым (конкурентный writer успел раньше)
var ErrStatusConflict = errors.New("transaction status conflict")
