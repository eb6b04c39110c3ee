package mockpay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NYCU-ST-113/payment/internal/gateway"
)

func chargeRequest(token string) gateway.ChargeRequest {
	return gateway.ChargeRequest{
		Amount:           1000,
		Currency:         "USD",
		Method:           "card",
		IdempotencyToken: token,
	}
}

func TestProcessor_ChargeDeduplication(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor()

	first, err := p.Charge(ctx, chargeRequest("tok-1"))
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.NotEmpty(t, first.Reference)

	// Повторная доставка с тем же токеном возвращает записанный результат
	second, err := p.Charge(ctx, chargeRequest("tok-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Второго списания не произошло
	assert.Equal(t, 1, p.EffectiveCharges())
}

func TestProcessor_ChargeRequiresToken(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor()

	_, err := p.Charge(ctx, chargeRequest(""))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestProcessor_TransientFailures(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor()

	p.ScriptTransientFailures(2)

	_, err := p.Charge(ctx, chargeRequest("tok-1"))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	_, err = p.Charge(ctx, chargeRequest("tok-1"))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	// Третий вызов с тем же токеном проходит
	result, err := p.Charge(ctx, chargeRequest("tok-1"))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 1, p.EffectiveCharges())
}

func TestProcessor_Decline(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor()

	p.ScriptDecline("insufficient_funds")

	result, err := p.Charge(ctx, chargeRequest("tok-1"))
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "insufficient_funds", result.DeclineReason)

	// Отказ тоже дедуплицируется
	again, err := p.Charge(ctx, chargeRequest("tok-1"))
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Equal(t, 0, p.EffectiveCharges())
}

func TestProcessor_QueryLifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor()

	t.Run("unknown reference", func(t *testing.T) {
		q, err := p.Query(ctx, "mp_bogus")
		require.NoError(t, err)
		assert.Equal(t, gateway.QueryUnknown, q.Status)
	})

	t.Run("settled immediately by default", func(t *testing.T) {
		result, err := p.Charge(ctx, chargeRequest("tok-1"))
		require.NoError(t, err)

		q, err := p.Query(ctx, result.Reference)
		require.NoError(t, err)
		assert.Equal(t, gateway.QuerySucceeded, q.Status)
	})

	t.Run("pending until settle", func(t *testing.T) {
		p.ScriptHoldPending(true)
		result, err := p.Charge(ctx, chargeRequest("tok-2"))
		require.NoError(t, err)

		q, err := p.Query(ctx, result.Reference)
		require.NoError(t, err)
		assert.Equal(t, gateway.QueryPending, q.Status)

		p.Settle(result.Reference, false, "card_expired")
		q, err = p.Query(ctx, result.Reference)
		require.NoError(t, err)
		assert.Equal(t, gateway.QueryFailed, q.Status)
		assert.Equal(t, "card_expired", q.FailureReason)
	})
}
