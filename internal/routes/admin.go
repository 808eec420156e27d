package routes

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterAdminRoutes wires the JWT protected admin portal.
func RegisterAdminRoutes(r fiber.Router, d Deps) {
	r.Post("/customers", d.Customers.Create)
	r.Get("/customers/:id", d.Customers.Get)
	r.Patch("/customers/:id/status", d.Customers.SetStatus)
	r.Get("/customers/:id/transactions", d.Customers.Transactions)
	r.Post("/topups/:reference/verify", d.Topup.AdminVerify)
	r.Get("/gateways", d.Gateways.Gateways)
}
