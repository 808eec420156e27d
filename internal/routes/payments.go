package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/middleware"
)

// RegisterPaymentRoutes wires the payment provider webhook and the
// post-checkout redirect. Neither carries customer credentials.
func RegisterPaymentRoutes(r fiber.Router, d Deps) {
	limit := middleware.RateLimit(d.Cache, middleware.RateLimitConfig{
		Name:   "webhook",
		Max:    d.Cfg.WebhookRatePerMin,
		Window: time.Minute,
	})
	r.Post("/webhooks/paystack", limit, d.Webhook)
	r.Get("/wallet/topup/callback", d.Topup.Callback)
}
