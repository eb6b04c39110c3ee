package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/NYCU-ST-113/payment/internal/repository"
	"github.com/NYCU-ST-113/payment/internal/service"
)

// Handler содержит HTTP-обработчики для Payment Service
// Зависит от service слоя, но не знает о деталях реализации (gateway, БД и т.д.)
type Handler struct {
	logger         *zap.Logger
	paymentService *service.PaymentService
}

// NewHandler создаёт новый HTTP handler
func NewHandler(logger *zap.Logger, paymentService *service.PaymentService) *Handler {
	return &Handler{
		logger:         logger,
		paymentService: paymentService,
	}
}

// PaymentRequest представляет HTTP запрос на проведение платежа
type PaymentRequest struct {
	Amount         *int64  `json:"amount"`
	Currency       *string `json:"currency"`
	Method         *string `json:"method"`
	IdempotencyKey *string `json:"idempotency_key"`
}

// TransactionResponse представляет HTTP ответ с состоянием транзакции
type TransactionResponse struct {
	ID               string `json:"id"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	Gateway          string `json:"gateway"`
	Status           string `json:"status"`
	GatewayReference string `json:"gateway_reference,omitempty"`
	AttemptCount     int    `json:"attempt_count"`
	FailureReason    string `json:"failure_reason,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

func toTransactionResponse(tx repository.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:               tx.ID,
		IdempotencyKey:   tx.IdempotencyKey,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		Method:           tx.Method,
		Gateway:          tx.Gateway,
		Status:           string(tx.Status),
		GatewayReference: tx.GatewayReference,
		AttemptCount:     tx.AttemptCount,
		FailureReason:    tx.FailureReason,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}
}

// PostPayments обрабатывает POST /payments - приём платёжного запроса.
// Idempotency key берётся из тела запроса, либо из заголовка Idempotency-Key.
// Повторная подача с тем же ключом возвращает 200 и существующую транзакцию.
func (h *Handler) PostPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqBody PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		h.logger.Warn("json decode error", zap.Error(err))
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	// Валидация обязательных полей на уровне DTO;
	// семантическую валидацию значений делает service слой
	if reqBody.Amount == nil || reqBody.Currency == nil || reqBody.Method == nil {
		h.logger.Warn("validation failed: missing required fields")
		http.Error(w, "Invalid payload: amount, currency and method are required", http.StatusBadRequest)
		return
	}

	idempotencyKey := ""
	if reqBody.IdempotencyKey != nil {
		idempotencyKey = *reqBody.IdempotencyKey
	}
	if idempotencyKey == "" {
		idempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := h.paymentService.Submit(ctx, service.SubmitInput{
		Amount:         *reqBody.Amount,
		Currency:       *reqBody.Currency,
		Method:         *reqBody.Method,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(toTransactionResponse(result.Transaction)); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		return
	}
}

// writeSubmitError отображает ошибки service слоя в HTTP статусы
func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCurrency),
		errors.Is(err, service.ErrInvalidMethod):
		http.Error(w, fmt.Sprintf("Invalid payload: %v", err), http.StatusBadRequest)
	case errors.Is(err, service.ErrReplayInFlight):
		// Владелец ключа ещё не записал транзакцию - клиент должен повторить позже
		http.Error(w, "Request with this idempotency key is being processed", http.StatusConflict)
	default:
		h.logger.Error("payment submission error", zap.Error(err))
		http.Error(w, "Failed to process payment", http.StatusInternalServerError)
	}
}

// GetPaymentsId обрабатывает GET /payments/{id} - получение транзакции по ID
func (h *Handler) GetPaymentsId(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	tx, err := h.paymentService.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get transaction error", zap.Error(err), zap.String("transaction_id", id))
		http.Error(w, "Failed to get transaction", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toTransactionResponse(tx)); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		return
	}
}

// GetPayments обрабатывает GET /payments - список всех транзакций
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	txs, err := h.paymentService.ListTransactions(ctx)
	if err != nil {
		h.logger.Error("list transactions error", zap.Error(err))
		http.Error(w, "Failed to list transactions", http.StatusInternalServerError)
		return
	}

	resp := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, toTransactionResponse(tx))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		return
	}
}

var csvHeader = []string{
	"id", "idempotency_key", "amount", "currency", "method",
	"gateway", "status", "gateway_reference", "attempt_count",
	"failure_reason", "created_at", "updated_at",
}

func csvRecord(tx repository.Transaction) []string {
	return []string{
		tx.ID,
		tx.IdempotencyKey,
		strconv.FormatInt(tx.Amount, 10),
		tx.Currency,
		tx.Method,
		tx.Gateway,
		string(tx.Status),
		tx.GatewayReference,
		strconv.Itoa(tx.AttemptCount),
		tx.FailureReason,
		time.Unix(tx.CreatedAt, 0).UTC().Format(time.RFC3339),
		time.Unix(tx.UpdatedAt, 0).UTC().Format(time.RFC3339),
	}
}

// GetPaymentsExport обрабатывает GET /payments/export - выгрузка всех транзакций в CSV
func (h *Handler) GetPaymentsExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	txs, err := h.paymentService.ListTransactions(ctx)
	if err != nil {
		h.logger.Error("list transactions error", zap.Error(err))
		http.Error(w, "Failed to list transactions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		h.logger.Error("failed to write csv", zap.Error(err))
		return
	}
	for _, tx := range txs {
		if err := writer.Write(csvRecord(tx)); err != nil {
			h.logger.Error("failed to write csv", zap.Error(err))
			return
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Error("failed to flush csv", zap.Error(err))
	}
}

// GetPaymentsIdExport обрабатывает GET /payments/{id}/export - выгрузка одной транзакции в CSV
func (h *Handler) GetPaymentsIdExport(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	tx, err := h.paymentService.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get transaction error", zap.Error(err), zap.String("transaction_id", id))
		http.Error(w, "Failed to get transaction", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="transaction-%s.csv"`, tx.ID))

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		h.logger.Error("failed to write csv", zap.Error(err))
		return
	}
	if err := writer.Write(csvRecord(tx)); err != nil {
		h.logger.Error("failed to write csv", zap.Error(err))
		return
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Error("failed to flush csv", zap.Error(err))
	}
}
