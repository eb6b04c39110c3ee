package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/gateway"
	"github.com/NYCU-ST-113/payment/internal/idempotency"
	"github.com/NYCU-ST-113/payment/internal/repository"
)

// Ошибки валидации: запрос отклоняется до создания транзакции, без side effects
var (
	ErrInvalidAmount   = errors.New("amount must be greater than 0")
	ErrInvalidCurrency = errors.New("currency must be a 3-letter code")
	ErrInvalidMethod   = errors.New("unsupported payment method")
)

// ErrReplayInFlight возвращается, когда повторная отправка пришла в момент,
// когда владелец ключа ещё не успел записать транзакцию в store.
// Клиенту достаточно повторить запрос.
var ErrReplayInFlight = errors.New("duplicate submission is still being created")

// методы оплаты, принимаемые движком
var supportedMethods = map[string]bool{
	"card":          true,
	"wallet":        true,
	"bank_transfer": true,
}

// Policy задаёт политику retry и таймаутов движка
type Policy struct {
	// MaxAttempts - максимум попыток Charge на одну транзакцию
	MaxAttempts int
	// BackoffBase - базовая задержка экспоненциального backoff (1s, 2s, 4s, ...)
	BackoffBase time.Duration
	// BackoffCap - верхняя граница backoff
	BackoffCap time.Duration
	// GatewayTimeout - таймаут одного сетевого вызова gateway;
	// отдельный от общего дедлайна, чтобы зависший вызов не держал worker
	GatewayTimeout time.Duration
	// ChargeDeadline - общий дедлайн доведения транзакции до ответа gateway;
	// по истечении транзакция уходит в TIMED_OUT под reconciliation
	ChargeDeadline time.Duration
}

// DefaultPolicy возвращает политику по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BackoffBase:    500 * time.Millisecond,
		BackoffCap:     10 * time.Second,
		GatewayTimeout: 5 * time.Second,
		ChargeDeadline: 30 * time.Second,
	}
}

// PaymentService - движок жизненного цикла транзакции.
// Единственный writer переходов статуса; все зависимости инжектируются
// через конструктор, что позволяет подменять их в тестах.
type PaymentService struct {
	logger   *zap.Logger
	store    repository.TransactionStore
	registry idempotency.Registry
	gateway  gateway.Gateway
	notifier Notifier
	sleeper  Sleeper
	policy   Policy
}

// NewPaymentService создаёт новый движок транзакций
func NewPaymentService(
	logger *zap.Logger,
	store repository.TransactionStore,
	registry idempotency.Registry,
	gw gateway.Gateway,
	notifier Notifier,
	policy Policy,
) *PaymentService {
	return NewPaymentServiceWithSleeper(logger, store, registry, gw, notifier, &DefaultSleeper{}, policy)
}

// NewPaymentServiceWithSleeper создаёт движок с кастомным sleeper (для тестов)
func NewPaymentServiceWithSleeper(
	logger *zap.Logger,
	store repository.TransactionStore,
	registry idempotency.Registry,
	gw gateway.Gateway,
	notifier Notifier,
	sleeper Sleeper,
	policy Policy,
) *PaymentService {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = DefaultPolicy().BackoffBase
	}
	if policy.BackoffCap <= 0 {
		policy.BackoffCap = DefaultPolicy().BackoffCap
	}
	if policy.GatewayTimeout <= 0 {
		policy.GatewayTimeout = DefaultPolicy().GatewayTimeout
	}
	if policy.ChargeDeadline <= 0 {
		policy.ChargeDeadline = DefaultPolicy().ChargeDeadline
	}
	return &PaymentService{
		logger:   logger,
		store:    store,
		registry: registry,
		gateway:  gw,
		notifier: notifier,
		sleeper:  sleeper,
		policy:   policy,
	}
}

// SubmitInput содержит входные данные платёжного запроса
type SubmitInput struct {
	Amount         int64 // минимальные единицы валюты
	Currency       string
	Method         string
	IdempotencyKey string // пустой ключ = без дедупликации
}

// Validate проверяет входные данные до любых side effects
func (in SubmitInput) Validate() error {
	if in.Amount <= 0 {
		return ErrInvalidAmount
	}
	if len(in.Currency) != 3 {
		return ErrInvalidCurrency
	}
	if !supportedMethods[in.Method] {
		return fmt.Errorf("%w: %s", ErrInvalidMethod, in.Method)
	}
	return nil
}

// SubmitResult содержит результат обработки платёжного запроса
type SubmitResult struct {
	Transaction repository.Transaction
	// Replayed=true означает, что запрос с этим idempotency key уже
	// обрабатывался: возвращено состояние существующей транзакции,
	// новая не создавалась
	Replayed bool
}

// Submit обрабатывает платёжный запрос и доводит транзакцию до ответа gateway.
// Гарантии:
//   - на один idempotency key создаётся не более одной транзакции;
//   - retry к gateway идут с одним и тем же idempotency token, поэтому
//     повторная доставка не приводит ко второму списанию;
//   - отключение клиента не прерывает движение денег - транзакция
//     доводится до записанного состояния в любом случае.
func (s *PaymentService) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if err := in.Validate(); err != nil {
		return SubmitResult{}, err
	}

	candidateID := uuid.NewString()

	if in.IdempotencyKey != "" {
		ownerID, created, err := s.registry.Reserve(ctx, in.IdempotencyKey, candidateID)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !created {
			existing, err := s.lookupExisting(ctx, ownerID, in.IdempotencyKey)
			if err != nil {
				return SubmitResult{}, err
			}
			s.logger.Info("duplicate submission resolved to existing transaction",
				zap.String("transaction_id", existing.ID),
				zap.String("idempotency_key", in.IdempotencyKey),
				zap.String("status", string(existing.Status)),
			)
			return SubmitResult{Transaction: existing, Replayed: true}, nil
		}
	}

	now := time.Now().Unix()
	tx := repository.Transaction{
		ID:             candidateID,
		IdempotencyKey: in.IdempotencyKey,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Method:         in.Method,
		Gateway:        s.gateway.Name(),
		Status:         repository.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) && in.IdempotencyKey != "" {
			// Гонка: store увидел ключ раньше реестра (или реестр потерял запись) -
			// store авторитетен, отдаём существующую транзакцию
			existing, lerr := s.store.GetByIdempotencyKey(ctx, in.IdempotencyKey)
			if lerr == nil {
				return SubmitResult{Transaction: existing, Replayed: true}, nil
			}
		}
		return SubmitResult{}, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.logger.Info("transaction created",
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount", tx.Amount),
		zap.String("currency", tx.Currency),
		zap.String("method", tx.Method),
	)

	// Отвязываемся от контекста клиента: отменённый HTTP-запрос не должен
	// оборвать списание между "отправлено в gateway" и "записано в store"
	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.ChargeDeadline)
	defer cancel()

	final := s.drive(chargeCtx, tx)
	return SubmitResult{Transaction: final}, nil
}

// GetTransaction возвращает транзакцию по id
func (s *PaymentService) GetTransaction(ctx context.Context, id string) (repository.Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListTransactions возвращает историю всех транзакций
func (s *PaymentService) ListTransactions(ctx context.Context) ([]repository.Transaction, error) {
	return s.store.List(ctx)
}

// lookupExisting читает транзакцию существующего владельца ключа.
// Реестр хранит только слабую ссылку - авторитетно состояние в store.
func (s *PaymentService) lookupExisting(ctx context.Context, ownerID, key string) (repository.Transaction, error) {
	existing, err := s.store.Get(ctx, ownerID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return repository.Transaction{}, fmt.Errorf("failed to load existing transaction: %w", err)
	}

	// Владелец зарезервировал ключ, но ещё не записал транзакцию - пробуем по ключу
	existing, err = s.store.GetByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return repository.Transaction{}, ErrReplayInFlight
	}
	return repository.Transaction{}, fmt.Errorf("failed to load existing transaction: %w", err)
}

// drive прогоняет транзакцию через state machine до записанного состояния.
// Возвращает последнее известное состояние (терминальное, SUBMITTED под
// reconciliation или TIMED_OUT).
func (s *PaymentService) drive(ctx context.Context, tx repository.Transaction) repository.Transaction {
	var lastErr error

	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := s.backoff(attempt)
			s.logger.Info("retrying gateway charge",
				zap.String("transaction_id", tx.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			if err := s.sleeper.Sleep(ctx, backoff); err != nil {
				// Общий дедлайн истёк во время backoff
				return s.timeOut(ctx, tx.ID)
			}
		}

		// Фиксируем попытку в store до обращения к gateway
		updated, err := s.store.UpdateStatus(ctx, tx.ID, repository.StatusPending, repository.StatusUpdate{
			Status:            repository.StatusPending,
			IncrementAttempts: true,
		})
		if err != nil {
			// Конкурентный writer уже сдвинул статус - его результат приоритетен
			current, gerr := s.store.Get(ctx, tx.ID)
			if gerr != nil {
				s.logger.Error("failed to re-read transaction after status conflict",
					zap.Error(gerr),
					zap.String("transaction_id", tx.ID),
				)
				return tx
			}
			return current
		}
		tx = updated

		// Один и тот же idempotency token (= id транзакции) на все попытки:
		// только так gateway дедуплицирует повторную доставку и не списывает
		// деньги дважды
		chargeCtx, cancel := context.WithTimeout(ctx, s.policy.GatewayTimeout)
		result, err := s.gateway.Charge(chargeCtx, gateway.ChargeRequest{
			Amount:           tx.Amount,
			Currency:         tx.Currency,
			Method:           tx.Method,
			IdempotencyToken: tx.ID,
		})
		cancel()
		if err != nil {
			// Любая ошибка адаптера, включая неклассифицированную,
			// трактуется как транзиентная
			lastErr = err
			s.logger.Warn("transient gateway error",
				zap.Error(err),
				zap.String("transaction_id", tx.ID),
				zap.Int("attempt", tx.AttemptCount),
			)
			if ctx.Err() != nil {
				return s.timeOut(ctx, tx.ID)
			}
			continue
		}

		if !result.Accepted {
			// Окончательный отказ gateway - не ретраится
			final, _, err := s.applyTerminal(ctx, tx.ID, repository.StatusFailed, result.DeclineReason)
			if err != nil {
				s.logger.Error("failed to record gateway rejection",
					zap.Error(err),
					zap.String("transaction_id", tx.ID),
				)
				return tx
			}
			return final
		}

		return s.confirm(ctx, tx, result.Reference)
	}

	s.logger.Warn("charge attempts exhausted",
		zap.String("transaction_id", tx.ID),
		zap.Int("max_attempts", s.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return s.timeOut(ctx, tx.ID)
}

// confirm записывает приём платежа gateway-ем (PENDING -> SUBMITTED)
// и пытается синхронно получить финальное подтверждение.
// Если подтверждения нет, транзакция остаётся в SUBMITTED - исход
// выяснит reconciliation sweep.
func (s *PaymentService) confirm(ctx context.Context, tx repository.Transaction, reference string) repository.Transaction {
	submitted, err := s.store.UpdateStatus(ctx, tx.ID, repository.StatusPending, repository.StatusUpdate{
		Status:           repository.StatusSubmitted,
		GatewayReference: &reference,
	})
	if err != nil {
		current, gerr := s.store.Get(ctx, tx.ID)
		if gerr != nil {
			s.logger.Error("failed to re-read transaction after status conflict",
				zap.Error(gerr),
				zap.String("transaction_id", tx.ID),
			)
			return tx
		}
		// Конкурентный терминальный результат приоритетен
		return current
	}
	tx = submitted

	s.logger.Info("gateway accepted charge",
		zap.String("transaction_id", tx.ID),
		zap.String("gateway_reference", reference),
	)

	queryCtx, cancel := context.WithTimeout(ctx, s.policy.GatewayTimeout)
	q, err := s.gateway.Query(queryCtx, reference)
	cancel()
	if err != nil {
		// Подтверждение недоступно - остаёмся в SUBMITTED под reconciliation
		s.logger.Warn("synchronous confirmation unavailable",
			zap.Error(err),
			zap.String("transaction_id", tx.ID),
		)
		return tx
	}

	switch q.Status {
	case gateway.QuerySucceeded:
		final, _, err := s.applyTerminal(ctx, tx.ID, repository.StatusSucceeded, "")
		if err != nil {
			s.logger.Error("failed to record success", zap.Error(err), zap.String("transaction_id", tx.ID))
			return tx
		}
		return final
	case gateway.QueryFailed:
		final, _, err := s.applyTerminal(ctx, tx.ID, repository.StatusFailed, q.FailureReason)
		if err != nil {
			s.logger.Error("failed to record failure", zap.Error(err), zap.String("transaction_id", tx.ID))
			return tx
		}
		return final
	default:
		// PENDING/UNKNOWN: исход выяснит reconciliation
		return tx
	}
}

// applyTerminal доводит транзакцию до терминального статуса по tie-break правилу
func (s *PaymentService) applyTerminal(ctx context.Context, txID string, target repository.Status, failureReason string) (repository.Transaction, bool, error) {
	return applyTerminal(ctx, s.logger, s.store, s.notifier, txID, target, failureReason)
}

// timeOut переводит незавершённую транзакцию в TIMED_OUT.
// Исход неизвестен: нельзя считать её ни проваленной (потеряем успешное
// списание), ни успешной - транзакцию доводит reconciliation sweep.
func (s *PaymentService) timeOut(ctx context.Context, txID string) repository.Transaction {
	// Контекст мог истечь вместе с общим дедлайном - запись в store
	// выполняем на отвязанном контексте
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	for {
		current, err := s.store.Get(writeCtx, txID)
		if err != nil {
			s.logger.Error("failed to read transaction for timeout",
				zap.Error(err),
				zap.String("transaction_id", txID),
			)
			return repository.Transaction{ID: txID, Status: repository.StatusTimedOut}
		}
		if current.Status.Terminal() || current.Status == repository.StatusTimedOut {
			return current
		}

		updated, err := s.store.UpdateStatus(writeCtx, txID, current.Status, repository.StatusUpdate{
			Status: repository.StatusTimedOut,
		})
		if errors.Is(err, repository.ErrStatusConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to mark transaction as timed out",
				zap.Error(err),
				zap.String("transaction_id", txID),
			)
			return current
		}

		s.logger.Warn("transaction timed out, handed to reconciliation",
			zap.String("transaction_id", txID),
			zap.Int("attempts", updated.AttemptCount),
		)
		return updated
	}
}

// backoff возвращает экспоненциальную задержку с jitter для указанной попытки
func (s *PaymentService) backoff(attempt int) time.Duration {
	d := s.policy.BackoffBase << uint(attempt-2)
	if d > s.policy.BackoffCap || d <= 0 {
		d = s.policy.BackoffCap
	}
	// Jitter: от половины до полной величины задержки, чтобы retry разных
	// транзакций не синхронизировались
	half := d / 2
	return half + rand.N(half+1)
}

// applyTerminal доводит транзакцию до терминального статуса по tie-break правилу:
// выигрывает первый записанный терминальный статус. Более поздний конфликтующий
// терминальный результат не перезаписывает ранний, а логируется как аномалия -
// money-state никогда не переворачивается задним числом.
// Возвращает applied=true, если терминальный переход записал именно этот вызов.
func applyTerminal(
	ctx context.Context,
	logger *zap.Logger,
	store repository.TransactionStore,
	notifier Notifier,
	txID string,
	target repository.Status,
	failureReason string,
) (repository.Transaction, bool, error) {
	var reasonPtr *string
	if target == repository.StatusFailed && failureReason != "" {
		reasonPtr = &failureReason
	}

	for {
		current, err := store.Get(ctx, txID)
		if err != nil {
			return repository.Transaction{}, false, err
		}
		if current.Status.Terminal() {
			if current.Status != target {
				logger.Error("conflicting terminal result discarded",
					zap.String("transaction_id", txID),
					zap.String("stored_status", string(current.Status)),
					zap.String("discarded_status", string(target)),
				)
			}
			return current, false, nil
		}

		updated, err := store.UpdateStatus(ctx, txID, current.Status, repository.StatusUpdate{
			Status:        target,
			FailureReason: reasonPtr,
		})
		if errors.Is(err, repository.ErrStatusConflict) {
			// Конкурентный writer успел раньше - перечитываем и решаем заново
			continue
		}
		if err != nil {
			return repository.Transaction{}, false, err
		}

		notifyTerminal(logger, notifier, updated)
		return updated, true, nil
	}
}

// notifyTerminal отправляет fire-and-forget уведомление о терминальном исходе.
// Выполняется в отдельной горутине; ошибки только логируются и не влияют
// на корректность транзакции.
func notifyTerminal(logger *zap.Logger, notifier Notifier, tx repository.Transaction) {
	if notifier == nil {
		return
	}

	eventType := EventTransactionSucceeded
	if tx.Status == repository.StatusFailed {
		eventType = EventTransactionFailed
	}

	event := Event{
		Type:             eventType,
		TransactionID:    tx.ID,
		IdempotencyKey:   tx.IdempotencyKey,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		Method:           tx.Method,
		Gateway:          tx.Gateway,
		GatewayReference: tx.GatewayReference,
		FailureReason:    tx.FailureReason,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notifier.Notify(ctx, event); err != nil {
			logger.Warn("failed to deliver notification",
				zap.Error(err),
				zap.String("event_type", event.Type),
				zap.String("transaction_id", event.TransactionID),
			)
		}
	}()
}
