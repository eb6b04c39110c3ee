package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	platformhealth "github.com/NYCU-ST-113/payment/platform/health/http"
	platformobservability "github.com/NYCU-ST-113/payment/platform/observability"
)

// NewRouter создаёт и настраивает HTTP роутер для Payment Service
// readiness - функция для проверки готовности сервиса (проверка БД и Redis).
// Если readiness возвращает false, health endpoint вернёт 503 Service Unavailable.
// logger используется для observability HTTP middleware (trace_id в логах).
func NewRouter(handler *Handler, readiness func() bool, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Observability: trace context + span на каждый запрос, logger с trace_id в контексте
	if logger != nil {
		router.Use(platformobservability.HTTPMiddleware("payment", logger))
	}

	router.Route("/payments", func(r chi.Router) {
		r.Post("/", handler.PostPayments)
		r.Get("/", handler.GetPayments)
		r.Get("/export", handler.GetPaymentsExport)
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			handler.GetPaymentsId(w, r, chi.URLParam(r, "id"))
		})
		r.Get("/{id}/export", func(w http.ResponseWriter, r *http.Request) {
			handler.GetPaymentsIdExport(w, r, chi.URLParam(r, "id"))
		})
	})

	// Health без middleware
	router.Get("/health", platformhealth.Handler(readiness))

	return router
}
