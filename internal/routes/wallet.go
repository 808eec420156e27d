package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/middleware"
)

// RegisterWalletRoutes wires the customer wallet endpoints.
func RegisterWalletRoutes(r fiber.Router, d Deps) {
	w := r.Group("/wallet")
	w.Get("/balance", d.Wallet.Balance)
	w.Get("/transactions", d.Wallet.Transactions)
	w.Get("/transactions/:reference", d.Wallet.Transaction)

	if d.Cache != nil {
		w.Post("/topup", middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger), d.Topup.Topup)
	} else {
		d.Logger.Warn("redis not configured; top-up idempotency keys are not enforced")
		w.Post("/topup", d.Topup.Topup)
	}
	w.Get("/topup/:reference/verify", d.Topup.Verify)
}
