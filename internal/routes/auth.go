package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/middleware"
)

// RegisterAuthRoutes wires the admin login endpoint.
func RegisterAuthRoutes(app *fiber.App, d Deps) {
	limit := middleware.RateLimit(d.Cache, middleware.RateLimitConfig{
		Name:   "admin_login",
		Max:    d.Cfg.AdminLoginPerMin,
		Window: time.Minute,
		Key:    middleware.LoginKey,
	})
	app.Post("/admin/auth/login", limit, d.Auth.Login)
}
