package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/stockreserve/internal/middleware"
)

const requestTimeout = 30 * time.Second

// SetupRouter настраивает HTTP-маршруты и middleware сервиса резервирования.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/quote", h.GetQuote)
		r.Get("/products/{id}/stock", h.GetStock)

		if len(h.webhookSecret) > 0 {
			r.Post("/payments/webhook", h.PaymentWebhook)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{id}", h.GetOrder)
			r.Get("/orders/{id}/units", h.GetOrderUnits)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
			r.Post("/orders/{id}/pay/balance", h.PayWithBalance)
			r.Post("/orders/{id}/payment", h.AttachPayment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
