package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/gateway/mockpay"
	"github.com/NYCU-ST-113/payment/internal/idempotency"
	"github.com/NYCU-ST-113/payment/internal/repository/memory"
	"github.com/NYCU-ST-113/payment/internal/service"
)

type noopSleeper struct{}

func (noopSleeper) Sleep(ctx context.Context, d time.Duration) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *mockpay.Processor) {
	t.Helper()

	logger := zap.NewNop()
	processor := mockpay.NewProcessor()
	svc := service.NewPaymentServiceWithSleeper(
		logger,
		memory.NewMemoryStore(),
		idempotency.NewMemoryRegistry(),
		processor,
		nil,
		noopSleeper{},
		service.Policy{
			MaxAttempts:    2,
			BackoffBase:    time.Millisecond,
			BackoffCap:     time.Millisecond,
			GatewayTimeout: time.Second,
			ChargeDeadline: time.Second,
		},
	)

	handler := NewHandler(logger, svc)
	router := NewRouter(handler, func() bool { return true }, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, processor
}

func postPayment(t *testing.T, srv *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/payments", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeTransaction(t *testing.T, resp *http.Response) TransactionResponse {
	t.Helper()

	var tx TransactionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tx))
	return tx
}

func TestHandler_PostPayments_Created(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card","idempotency_key":"k1"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	tx := decodeTransaction(t, resp)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "SUCCEEDED", tx.Status)
	assert.Equal(t, int64(1000), tx.Amount)
	assert.NotEmpty(t, tx.GatewayReference)
}

func TestHandler_PostPayments_ReplayReturnsOK(t *testing.T) {
	srv, processor := newTestServer(t)

	first := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card","idempotency_key":"k1"}`, nil)
	assert.Equal(t, http.StatusCreated, first.StatusCode)
	firstTx := decodeTransaction(t, first)

	second := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card","idempotency_key":"k1"}`, nil)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	secondTx := decodeTransaction(t, second)

	assert.Equal(t, firstTx.ID, secondTx.ID)
	assert.Equal(t, 1, processor.EffectiveCharges())
}

func TestHandler_PostPayments_IdempotencyKeyHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	// Ключ в заголовке работает так же, как в теле
	first := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card"}`,
		map[string]string{"Idempotency-Key": "header-key"})
	assert.Equal(t, http.StatusCreated, first.StatusCode)
	firstTx := decodeTransaction(t, first)

	second := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card"}`,
		map[string]string{"Idempotency-Key": "header-key"})
	assert.Equal(t, http.StatusOK, second.StatusCode)
	secondTx := decodeTransaction(t, second)

	assert.Equal(t, firstTx.ID, secondTx.ID)
}

func TestHandler_PostPayments_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing fields", `{"amount":1000}`},
		{"zero amount", `{"amount":0,"currency":"USD","method":"card"}`},
		{"bad currency", `{"amount":100,"currency":"US","method":"card"}`},
		{"unsupported method", `{"amount":100,"currency":"USD","method":"cash"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postPayment(t, srv, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandler_GetPaymentsId(t *testing.T) {
	srv, _ := newTestServer(t)

	created := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card"}`, nil)
	createdTx := decodeTransaction(t, created)

	resp, err := srv.Client().Get(srv.URL + "/payments/" + createdTx.ID)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	tx := decodeTransaction(t, resp)
	assert.Equal(t, createdTx.ID, tx.ID)
	assert.Equal(t, "SUCCEEDED", tx.Status)
}

func TestHandler_GetPaymentsId_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/payments/missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_GetPayments_List(t *testing.T) {
	srv, _ := newTestServer(t)

	postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card"}`, nil)
	postPayment(t, srv, `{"amount":2000,"currency":"EUR","method":"wallet"}`, nil)

	resp, err := srv.Client().Get(srv.URL + "/payments")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var txs []TransactionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&txs))
	assert.Len(t, txs, 2)
}

func TestHandler_GetPaymentsExport_CSV(t *testing.T) {
	srv, _ := newTestServer(t)

	postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card"}`, nil)

	resp, err := srv.Client().Get(srv.URL + "/payments/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "1000", records[1][2])
	assert.Equal(t, "SUCCEEDED", records[1][6])
}

func TestHandler_GetPaymentsIdExport_CSV(t *testing.T) {
	srv, _ := newTestServer(t)

	created := postPayment(t, srv, `{"amount":1000,"currency":"USD","method":"card"}`, nil)
	createdTx := decodeTransaction(t, created)

	resp, err := srv.Client().Get(srv.URL + "/payments/" + createdTx.ID + "/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, createdTx.ID, records[1][0])
}

func TestRouter_Health(t *testing.T) {
	logger := zap.NewNop()
	processor := mockpay.NewProcessor()
	svc := service.NewPaymentService(
		logger, memory.NewMemoryStore(), idempotency.NewMemoryRegistry(), processor, nil, service.Policy{},
	)
	handler := NewHandler(logger, svc)

	t.Run("ready", func(t *testing.T) {
		router := NewRouter(handler, func() bool { return true }, logger)
		srv := httptest.NewServer(router)
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("not ready", func(t *testing.T) {
		router := NewRouter(handler, func() bool { return false }, logger)
		srv := httptest.NewServer(router)
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
