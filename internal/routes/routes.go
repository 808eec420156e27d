package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/metergate/internal/auth"
	"github.com/congo-pay/metergate/internal/config"
	"github.com/congo-pay/metergate/internal/customer"
	"github.com/congo-pay/metergate/internal/middleware"
	"github.com/congo-pay/metergate/internal/partners"
	"github.com/congo-pay/metergate/internal/pricing"
	"github.com/congo-pay/metergate/internal/topup"
	"github.com/congo-pay/metergate/internal/wallet"
)

// Deps aggregates the handlers and shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	Cache  *redis.Client
	Logger *slog.Logger
	Health []HealthCheck

	Metrics fiber.Handler
	Pricing *pricing.Resolver

	APIKeyAuth fiber.Handler
	AdminAuth  fiber.Handler
	Billing    fiber.Handler

	Identity partners.Caller
	Registry partners.Caller
	Gateways *partners.Status

	Wallet    *wallet.Handler
	Topup     *topup.Handler
	Customers *customer.Handler
	Auth      *auth.Handler
	Webhook   fiber.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(cors.New())
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.RequestTimeout(d.Cfg.RequestTimeout))

	RegisterHealthRoutes(app, d.Health)
	if d.Metrics != nil {
		app.Get("/metrics", d.Metrics)
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	api.Get("/pricing", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true, "data": d.Pricing.Catalogue()})
	})

	// Unauthenticated provider-facing endpoints.
	RegisterPaymentRoutes(api, d)

	// Customer API: authenticate, then meter.
	metered := api.Group("", d.APIKeyAuth, d.Billing)
	RegisterVerificationRoutes(metered, d.Identity, d.Registry)
	RegisterWalletRoutes(metered, d)

	RegisterAuthRoutes(app, d)
	RegisterAdminRoutes(app.Group("/admin", d.AdminAuth), d)
}
