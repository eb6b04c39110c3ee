package gateway

import (
	"context"
	"errors"
)

// ChargeRequest содержит данные для списания средств через внешний processor.
// IdempotencyToken обязан быть стабильным для одной логической транзакции:
// движок передаёт один и тот же токен во всех retry, чтобы внешний gateway
// дедуплицировал повторные попытки и не списал деньги дважды.
type ChargeRequest struct {
	Amount           int64 // минимальные единицы валюты
	Currency         string
	Method           string
	IdempotencyToken string
}

// ChargeResult содержит ответ gateway на попытку списания.
// Accepted=false означает окончательный отказ (declined, невалидный метод) -
// такой платёж не ретраится. Транзиентные сбои (timeout, 5xx, обрыв сети)
// адаптер возвращает как error.
type ChargeResult struct {
	Accepted      bool
	Reference     string // внешний id принятого платежа, для последующих Query
	DeclineReason string // заполняется при Accepted=false
}

// QueryStatus представляет ответ gateway на запрос состояния платежа
type QueryStatus string

const (
	// QuerySucceeded - gateway подтвердил успешное списание
	QuerySucceeded QueryStatus = "SUCCEEDED"
	// QueryFailed - gateway подтвердил, что списание не прошло
	QueryFailed QueryStatus = "FAILED"
	// QueryPending - платёж ещё обрабатывается
	QueryPending QueryStatus = "PENDING"
	// QueryUnknown - gateway не знает такой платёж
	QueryUnknown QueryStatus = "UNKNOWN"
)

// QueryResult содержит состояние платежа по данным gateway
type QueryResult struct {
	Status        QueryStatus
	FailureReason string // заполняется при Status=FAILED
}

// Gateway определяет единый контракт адаптера внешнего платёжного processor-а.
// Движок работает только через этот интерфейс и никогда не ветвится
// по конкретной реализации; адаптеры подменяются конфигурацией.
//
//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=Gateway --dir=. --output=./mocks --outpkg=mocks
type Gateway interface {
	// Name возвращает имя адаптера (записывается в транзакцию)
	Name() string

	// Charge отправляет списание в processor.
	// Ошибка означает транзиентный сбой - исход неизвестен, попытку можно
	// повторить с тем же IdempotencyToken.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)

	// Query возвращает состояние ранее принятого платежа по его reference.
	// Используется reconciliation sweep-ом.
	Query(ctx context.Context, gatewayReference string) (QueryResult, error)
}

// ErrUnavailable - транзиентный сбой gateway (timeout, 5xx, обрыв соединения).
// Адаптеры оборачивают в него сетевые ошибки; движок трактует как транзиентную
// любую ошибку Charge, в том числе неклассифицированную.
var ErrUnavailable = errors.New("gateway unavailable")
