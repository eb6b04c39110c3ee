package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/gateway"
	"github.com/NYCU-ST-113/payment/internal/gateway/mockpay"
	"github.com/NYCU-ST-113/payment/internal/repository"
	"github.com/NYCU-ST-113/payment/internal/repository/memory"
)

func newTestReconciler(t *testing.T) (*Reconciler, *memory.MemoryStore, *mockpay.Processor, *RecordingNotifier) {
	t.Helper()

	store := memory.NewMemoryStore()
	processor := mockpay.NewProcessor()
	notifier := &RecordingNotifier{}

	rec := NewReconciler(
		zap.NewNop(), store, processor, notifier,
		time.Minute, 5*time.Minute, time.Second, 0,
	)
	return rec, store, processor, notifier
}

// seedTransaction кладёт транзакцию в store с UpdatedAt в прошлом,
// чтобы она попадала под пороги sweep-а
func seedTransaction(t *testing.T, store *memory.MemoryStore, id string, status repository.Status, reference string, age time.Duration) {
	t.Helper()

	ts := time.Now().Add(-age).Unix()
	err := store.Create(context.Background(), repository.Transaction{
		ID:               id,
		Amount:           1000,
		Currency:         "USD",
		Method:           "card",
		Gateway:          "mockpay",
		Status:           status,
		GatewayReference: reference,
		AttemptCount:     1,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	})
	require.NoError(t, err)
}

// chargeReference проводит списание через processor и возвращает его reference
func chargeReference(t *testing.T, processor *mockpay.Processor, token string) string {
	t.Helper()

	result, err := processor.Charge(context.Background(), gateway.ChargeRequest{
		Amount: 1000, Currency: "USD", Method: "card", IdempotencyToken: token,
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	return result.Reference
}

func TestReconciler_TimedOutResolvedToSucceeded(t *testing.T) {
	ctx := context.Background()
	rec, store, processor, notifier := newTestReconciler(t)

	ref := chargeReference(t, processor, "tx-1")
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, ref, time.Hour)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	tx, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSucceeded, tx.Status)

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, EventTransactionSucceeded, notifier.Events()[0].Type)
}

func TestReconciler_TimedOutResolvedToFailed(t *testing.T) {
	ctx := context.Background()
	rec, store, processor, notifier := newTestReconciler(t)

	ref := chargeReference(t, processor, "tx-1")
	processor.Settle(ref, false, "card_expired")
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, ref, time.Hour)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	tx, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, tx.Status)
	assert.Equal(t, "card_expired", tx.FailureReason)

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, EventTransactionFailed, notifier.Events()[0].Type)
}

func TestReconciler_NoReferenceLeftForManualReview(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)

	// Gateway ни разу не подтвердил приём - спросить его не о чем,
	// но и считать платёж проваленным нельзя
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, "", time.Hour)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	tx, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusTimedOut, tx.Status)
	assert.Empty(t, notifier.Events())
}

func TestReconciler_StaleSubmittedResolved(t *testing.T) {
	ctx := context.Background()
	rec, store, processor, _ := newTestReconciler(t)

	staleRef := chargeReference(t, processor, "tx-stale")
	freshRef := chargeReference(t, processor, "tx-fresh")

	// Застрявшая SUBMITTED старше staleAfter (5m) попадает в sweep,
	// свежая SUBMITTED - нет
	seedTransaction(t, store, "tx-stale", repository.StatusSubmitted, staleRef, time.Hour)
	seedTransaction(t, store, "tx-fresh", repository.StatusSubmitted, freshRef, time.Minute)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	stale, err := store.Get(ctx, "tx-stale")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSucceeded, stale.Status)

	fresh, err := store.Get(ctx, "tx-fresh")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSubmitted, fresh.Status)
}

func TestReconciler_PendingStaysUntouched(t *testing.T) {
	ctx := context.Background()
	rec, store, processor, _ := newTestReconciler(t)

	processor.ScriptHoldPending(true)
	ref := chargeReference(t, processor, "tx-1")
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, ref, time.Hour)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	tx, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusTimedOut, tx.Status)

	// Processor подтвердил платёж - следующий проход доводит транзакцию
	processor.Settle(ref, true, "")
	applied, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	tx, err = store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSucceeded, tx.Status)
}

func TestReconciler_UnknownReferenceIsAnomaly(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)

	// Reference, который gateway не узнаёт - состояние не перезаписывается
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, "mp_bogus", time.Hour)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	tx, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusTimedOut, tx.Status)
	assert.Empty(t, notifier.Events())
}

func TestReconciler_ConcurrentPassesApplyOnce(t *testing.T) {
	ctx := context.Background()
	rec, store, processor, notifier := newTestReconciler(t)

	ref := chargeReference(t, processor, "tx-1")
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, ref, time.Hour)

	// Два одновременных прохода над одной транзакцией:
	// CAS пропускает ровно один терминальный переход
	start := make(chan struct{})
	results := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			applied, err := rec.ReconcileOnce(ctx)
			assert.NoError(t, err)
			results <- applied
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	total := 0
	for applied := range results {
		total += applied
	}
	assert.Equal(t, 1, total)

	tx, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSucceeded, tx.Status)

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, time.Second, 10*time.Millisecond)

	// Уведомление отправляется ровно один раз
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, notifier.Events(), 1)
}

func TestReconciler_RepeatedPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec, store, processor, notifier := newTestReconciler(t)

	ref := chargeReference(t, processor, "tx-1")
	seedTransaction(t, store, "tx-1", repository.StatusTimedOut, ref, time.Hour)

	applied, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	// Повторный проход не трогает уже терминальную транзакцию
	applied, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, time.Second, 10*time.Millisecond)

	// Уведомление не дублируется
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, notifier.Events(), 1)
}
