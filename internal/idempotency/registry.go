package idempotency

import (
	"context"
	"errors"
)

// Registry определяет контракт реестра идемпотентности.
// Реестр хранит только слабую ссылку key -> transaction id: по ней находят
// существующую транзакцию, но источником истины о её состоянии всегда
// остаётся TransactionStore.
//
//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=Registry --dir=. --output=./mocks --outpkg=mocks
type Registry interface {
	// Reserve атомарно резервирует ключ за candidateTxID.
	// Если ключ свободен, возвращает (candidateTxID, true, nil) - вызывающий
	// обязан создать транзакцию. Если ключ уже занят, возвращает
	// (id существующей транзакции, false, nil) - вызывающий обязан отдать
	// состояние существующей транзакции вместо создания новой.
	//
	// Reserve обязан быть атомарным при конкурентных вызовах с одним ключом:
	// ровно один вызывающий получает created=true.
	Reserve(ctx context.Context, key, candidateTxID string) (txID string, created bool, err error)
}

// ErrEmptyKey возвращается при попытке зарезервировать пустой ключ.
// Запросы без ключа не проходят через реестр - каждый такой запрос
// безусловно создаёт новую транзакцию.
var ErrEmptyKey = errors.New("idempotency key is empty")
