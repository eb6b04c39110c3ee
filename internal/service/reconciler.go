package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/gateway"
	"github.com/NYCU-ST-113/payment/internal/repository"
)

// Reconciler - фоновый sweep, доводящий до терминального состояния
// транзакции, чей исход не был подтверждён в рамках запроса:
// TIMED_OUT и застрявшие SUBMITTED. Работает по независимому расписанию
// и не блокирует обработку запросов.
//
// Sweep идемпотентен и безопасен при конкурентном запуске с живым трафиком:
// все переходы идут через compare-and-swap store, первый терминальный
// результат выигрывает.
type Reconciler struct {
	logger         *zap.Logger
	store          repository.TransactionStore
	gateway        gateway.Gateway
	notifier       Notifier
	interval       time.Duration
	staleAfter     time.Duration // SUBMITTED считается застрявшим после этого срока
	gatewayTimeout time.Duration
	batchSize      int
}

// NewReconciler создаёт новый reconciliation sweep
func NewReconciler(
	logger *zap.Logger,
	store repository.TransactionStore,
	gw gateway.Gateway,
	notifier Notifier,
	interval time.Duration,
	staleAfter time.Duration,
	gatewayTimeout time.Duration,
	batchSize int,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		logger:         logger,
		store:          store,
		gateway:        gw,
		notifier:       notifier,
		interval:       interval,
		staleAfter:     staleAfter,
		gatewayTimeout: gatewayTimeout,
		batchSize:      batchSize,
	}
}

// Start запускает sweep в фоновом режиме до отмены контекста
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("starting reconciliation sweep",
		zap.Duration("interval", r.interval),
		zap.Duration("stale_after", r.staleAfter),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Первый проход сразу при старте: подбираем транзакции,
	// оставшиеся после предыдущего запуска сервиса
	if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("initial reconciliation pass failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation sweep stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce выполняет один проход sweep-а.
// Возвращает число транзакций, доведённых до терминального статуса.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	now := time.Now()

	// TIMED_OUT берутся без порога давности: их исход уже неизвестен
	timedOut, err := r.store.ListStale(ctx, []repository.Status{repository.StatusTimedOut}, now, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list timed out transactions: %w", err)
	}

	// SUBMITTED считаются застрявшими, только когда синхронное подтверждение
	// точно не придёт
	stale, err := r.store.ListStale(ctx, []repository.Status{repository.StatusSubmitted}, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale submitted transactions: %w", err)
	}

	applied := 0
	for _, tx := range append(timedOut, stale...) {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		ok, err := r.reconcileTransaction(ctx, tx)
		if err != nil {
			r.logger.Error("failed to reconcile transaction",
				zap.Error(err),
				zap.String("transaction_id", tx.ID),
				zap.String("status", string(tx.Status)),
			)
			// Продолжаем обработку остальных транзакций
			continue
		}
		if ok {
			applied++
		}
	}

	if applied > 0 {
		r.logger.Info("reconciliation pass completed",
			zap.Int("resolved", applied),
			zap.Int("scanned", len(timedOut)+len(stale)),
		)
	}
	return applied, nil
}

// reconcileTransaction выясняет у gateway авторитетный исход одной транзакции
// и применяет его. Возвращает true, если записан терминальный переход.
func (r *Reconciler) reconcileTransaction(ctx context.Context, tx repository.Transaction) (bool, error) {
	if tx.GatewayReference == "" {
		// Gateway ни разу не подтвердил приём - спросить его не о чем.
		// Исход неизвестен, считать платёж проваленным нельзя:
		// транзакция остаётся в TIMED_OUT до ручного разбора.
		r.logger.Warn("transaction has no gateway reference, manual review required",
			zap.String("transaction_id", tx.ID),
			zap.String("status", string(tx.Status)),
			zap.Int("attempts", tx.AttemptCount),
		)
		return false, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	q, err := r.gateway.Query(queryCtx, tx.GatewayReference)
	cancel()
	if err != nil {
		return false, fmt.Errorf("gateway query failed: %w", err)
	}

	switch q.Status {
	case gateway.QuerySucceeded:
		_, applied, err := applyTerminal(ctx, r.logger, r.store, r.notifier, tx.ID, repository.StatusSucceeded, "")
		return applied, err
	case gateway.QueryFailed:
		_, applied, err := applyTerminal(ctx, r.logger, r.store, r.notifier, tx.ID, repository.StatusFailed, q.FailureReason)
		return applied, err
	case gateway.QueryUnknown:
		// Gateway выдал reference, но не находит платёж - аномалия,
		// перезаписывать состояние по такому ответу нельзя
		r.logger.Error("gateway does not recognize its own reference",
			zap.String("transaction_id", tx.ID),
			zap.String("gateway_reference", tx.GatewayReference),
		)
		return false, nil
	default:
		// PENDING: gateway ещё обрабатывает, вернёмся в следующем проходе
		return false, nil
	}
}
