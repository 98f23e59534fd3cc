package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/service-bookings-escrow/internal/idempotency"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/robertarktes/service-bookings-escrow/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	limit := RateLimitMiddleware(rl, h.cfg.RateLimitPerUser, h.cfg.RateLimitPerIP, logger)
	r.With(limit, CallbackTokenMiddleware(h.cfg.PaymentCallbackToken, logger)).Post("/v1/payments/callback", h.PaymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware(logger))
		r.Use(limit)
		r.Use(IdempotencyMiddleware(idemp, logger))

		r.Route("/v1/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/", h.ListBookings)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/actions", h.BookingAction)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/dispute", h.DisputeBooking)
		})
		r.Route("/v1/wallets/{userId}", func(r chi.Router) {
			r.Get("/balance", h.WalletBalance)
			r.Get("/transactions", h.WalletTransactions)
			r.Post("/withdrawals", h.Withdraw)
		})
		r.Get("/v1/escrows", h.ListEscrows)
		r.Route("/v1/admin/escrows/{id}", func(r chi.Router) {
			r.Use(AdminMiddleware(h.cfg.AdminActors, logger))
			r.Post("/release", h.AdminRelease)
			r.Post("/refund", h.AdminRefund)
			r.Post("/dispute", h.AdminDispute)
		})
	})

	return r
}
