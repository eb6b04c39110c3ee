package mockpay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/NYCU-ST-113/payment/internal/gateway"
)

// Processor реализует Gateway как симулятор внешнего платёжного processor-а
// Используется для dev/test окружений: ведёт себя как настоящий gateway
// с дедупликацией по idempotency token, но держит всё в памяти.
//
// Ключевое свойство: повторный Charge с уже виденным токеном не создаёт
// второго списания, а возвращает записанный ранее результат - ровно так,
// как обязан вести себя настоящий processor с idempotency token.
type Processor struct {
	mu      sync.Mutex
	charges map[string]chargeRecord // idempotency token -> исход
	byRef   map[string]string       // gateway reference -> token

	// Сценарий для dev/test: очередь отказов, отдаваемых перед успехом
	transientLeft int
	declineReason string
	holdPending   bool
}

type chargeRecord struct {
	result  gateway.ChargeResult
	settled bool // true когда Query возвращает терминальный ответ
	failed  bool
	reason  string
}

// NewProcessor создаёт новый симулятор processor-а
func NewProcessor() *Processor {
	return &Processor{
		charges: make(map[string]chargeRecord),
		byRef:   make(map[string]string),
	}
}

// Name возвращает имя адаптера
func (p *Processor) Name() string {
	return "mockpay"
}

// ScriptTransientFailures заставляет следующие n вызовов Charge вернуть
// транзиентную ошибку (новые токены; повторы виденных токенов не затрагивает)
func (p *Processor) ScriptTransientFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transientLeft = n
}

// ScriptDecline заставляет следующие Charge с новыми токенами отклоняться
// с указанной причиной
func (p *Processor) ScriptDecline(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declineReason = reason
}

// ScriptHoldPending заставляет Query отвечать PENDING вместо SUCCEEDED,
// пока не вызван Settle (моделирует async-подтверждение processor-а)
func (p *Processor) ScriptHoldPending(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdPending = hold
}

// Settle переводит принятый платёж в терминальное состояние на стороне
// processor-а (подтверждение или отказ), как это сделал бы настоящий gateway
func (p *Processor) Settle(reference string, succeeded bool, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, ok := p.byRef[reference]
	if !ok {
		return
	}
	rec := p.charges[token]
	rec.settled = true
	rec.failed = !succeeded
	rec.reason = reason
	p.charges[token] = rec
}

// EffectiveCharges возвращает число реально принятых списаний.
// Повторные Charge с одним токеном считаются одним списанием -
// это проверяемое свойство дедупликации.
func (p *Processor) EffectiveCharges() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, rec := range p.charges {
		if rec.result.Accepted {
			n++
		}
	}
	return n
}

// Charge принимает списание с дедупликацией по idempotency token
func (p *Processor) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.ChargeResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.IdempotencyToken == "" {
		return gateway.ChargeResult{}, fmt.Errorf("%w: missing idempotency token", gateway.ErrUnavailable)
	}

	// Дедупликация: уже виденный токен возвращает записанный исход,
	// второго списания не происходит
	if rec, seen := p.charges[req.IdempotencyToken]; seen {
		return rec.result, nil
	}

	if p.transientLeft > 0 {
		p.transientLeft--
		return gateway.ChargeResult{}, fmt.Errorf("%w: simulated network failure", gateway.ErrUnavailable)
	}

	if p.declineReason != "" {
		result := gateway.ChargeResult{Accepted: false, DeclineReason: p.declineReason}
		p.charges[req.IdempotencyToken] = chargeRecord{result: result, settled: true, failed: true, reason: p.declineReason}
		return result, nil
	}

	ref := fmt.Sprintf("mp_%s", uuid.NewString())
	result := gateway.ChargeResult{Accepted: true, Reference: ref}
	p.charges[req.IdempotencyToken] = chargeRecord{result: result, settled: !p.holdPending}
	p.byRef[ref] = req.IdempotencyToken
	return result, nil
}

// Query возвращает состояние платежа по его reference
func (p *Processor) Query(ctx context.Context, gatewayReference string) (gateway.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.QueryResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	token, ok := p.byRef[gatewayReference]
	if !ok {
		return gateway.QueryResult{Status: gateway.QueryUnknown}, nil
	}

	rec := p.charges[token]
	if !rec.settled {
		return gateway.QueryResult{Status: gateway.QueryPending}, nil
	}
	if rec.failed {
		return gateway.QueryResult{Status: gateway.QueryFailed, FailureReason: rec.reason}, nil
	}
	return gateway.QueryResult{Status: gateway.QuerySucceeded}, nil
}
