package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/ticket-issuance-engine/internal/idempotency"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
)

// SetupRouter mounts the API. Webhook and scan traffic count against their own policies,
// everything else against the api policy; order creation is also gated by the orders
// policy inside checkout.
func SetupRouter(h *Handlers, logger observability.Logger, policies *rateLimit.Policies, idemp *idempotency.Idempotency, metrics *observability.Metrics) *chi.Mux {
	if policies == nil {
		policies = &rateLimit.Policies{}
	}
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)

		r.With(RateLimitMiddleware(policies.Webhook, logger)).Post("/payments/webhook", h.PaymentWebhook)
		r.With(RateLimitMiddleware(policies.TicketScan, logger)).Post("/tickets/scan", h.ScanTicket)

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(policies.API, logger))

			r.With(IdempotencyMiddleware(idemp, logger)).Post("/events/{eventID}/orders", h.CreateOrder)
			r.Get("/orders/{id}", h.GetOrder)
			r.Get("/tickets/{id}/qr", h.TicketQR)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/orders", h.ListOrders)
				r.Post("/orders/{id}/refund", h.RefundOrder)
				r.Get("/events/{eventID}/tickets", h.ListEventTickets)
				r.Get("/rate-limits", h.RateLimits)
			})
		})
	})

	return r
}
