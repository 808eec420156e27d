package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/auth"
	"github.com/congo-pay/metergate/internal/billing"
	"github.com/congo-pay/metergate/internal/config"
	"github.com/congo-pay/metergate/internal/customer"
	"github.com/congo-pay/metergate/internal/events"
	"github.com/congo-pay/metergate/internal/gateway"
	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/metrics"
	"github.com/congo-pay/metergate/internal/middleware"
	"github.com/congo-pay/metergate/internal/partners"
	"github.com/congo-pay/metergate/internal/paystack"
	"github.com/congo-pay/metergate/internal/pricing"
	"github.com/congo-pay/metergate/internal/reconcile"
	"github.com/congo-pay/metergate/internal/routes"
	"github.com/congo-pay/metergate/internal/topup"
	"github.com/congo-pay/metergate/internal/wallet"
	"github.com/congo-pay/metergate/internal/webhook"
)

// Deps are the infrastructure handles the server is built on.
type Deps struct {
	Store     ledger.Store
	Cache     *redis.Client
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Health    []routes.HealthCheck
	// HTTPClient overrides the partner HTTP client.
	HTTPClient *http.Client
}

// Server wraps the Fiber application and its background workers.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	logger    *slog.Logger
	webhooks  *webhook.Processor
	scheduler *reconcile.Scheduler
}

// New wires services, handlers and routes.
func New(cfg config.Config, d Deps, logger *slog.Logger) (*Server, error) {
	if d.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Publisher == nil {
		d.Publisher = events.NewLoggerPublisher(logger)
	}

	overrides, err := cfg.PriceOverrides()
	if err != nil {
		return nil, err
	}
	resolver, err := pricing.NewResolver(pricing.DefaultRules(), overrides)
	if err != nil {
		return nil, fmt.Errorf("build pricing: %w", err)
	}

	identityGW := newPartnerClient("identity", cfg.Identity(), cfg, d, logger)
	registryGW := newPartnerClient("registry", cfg.Registry(), cfg, d, logger)
	paystackGW := newPartnerClient("paystack", cfg.Paystack(), cfg, d, logger)

	wallets := wallet.NewService(d.Store, d.Publisher, logger)
	customers := customer.NewService(d.Store)
	admins := auth.NewService(auth.Config{
		Secret:       cfg.JWTSecret,
		TokenTTL:     cfg.AccessTokenTTL,
		AdminEmail:   cfg.AdminEmail,
		PasswordHash: cfg.AdminPasswordHash,
	})

	meter := billing.New(resolver, wallets, logger, billing.Options{
		Publisher:     d.Publisher,
		Observer:      d.Metrics,
		ChargeTimeout: cfg.ChargeTimeout,
	})

	var dedup webhook.DedupStore = webhook.NewMemoryDedup(0)
	if d.Cache != nil {
		dedup = webhook.NewRedisDedup(d.Cache)
	}
	processor := webhook.NewProcessor(webhook.Config{
		Secret:    cfg.PaystackSecretKey,
		Workers:   cfg.WebhookWorkers,
		QueueSize: cfg.WebhookQueueSize,
		DedupTTL:  cfg.WebhookDedupTTL,
	}, wallets, dedup, d.Metrics, logger)

	topups := topup.NewService(paystack.New(paystackGW, cfg.PaystackCallbackURL), wallets, customers, d.Metrics, logger, cfg.TopUpMinAmount)
	job := reconcile.NewJob(wallets, topups, logger, cfg.ReconcileMinAge, cfg.ReconcileBatch)

	app := fiber.New(fiber.Config{
		AppName:       cfg.AppName,
		CaseSensitive: true,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		ErrorHandler:  apierror.Handler(logger),
	})

	routes.Setup(app, routes.Deps{
		Cfg:        cfg,
		Cache:      d.Cache,
		Logger:     logger,
		Health:     d.Health,
		Metrics:    d.Metrics.Handler(),
		Pricing:    resolver,
		APIKeyAuth: middleware.APIKeyAuth(customers),
		AdminAuth:  middleware.AdminJWT(admins),
		Billing:    meter.Handler(),
		Identity:   identityGW,
		Registry:   registryGW,
		Gateways:   partners.NewStatus(identityGW, registryGW, paystackGW),
		Wallet:     wallet.NewHandler(wallets),
		Topup:      topup.NewHandler(topups),
		Customers:  customer.NewHandler(customers, wallets),
		Auth:       auth.NewHandler(admins),
		Webhook:    processor.Handle,
	})

	s := &Server{app: app, cfg: cfg, logger: logger, webhooks: processor}
	if cfg.ReconcileSchedule != "" {
		s.scheduler = reconcile.NewScheduler(job, cfg.ReconcileSchedule, logger)
	}
	return s, nil
}

func newPartnerClient(name string, p config.Partner, cfg config.Config, d Deps, logger *slog.Logger) *gateway.Client {
	opts := []gateway.Option{gateway.WithObserver(d.Metrics)}
	if d.HTTPClient != nil {
		opts = append(opts, gateway.WithHTTPClient(d.HTTPClient))
	}
	return gateway.NewClient(gateway.Config{
		Name:        name,
		BaseURL:     p.BaseURL,
		Headers:     gateway.BearerHeaders(p.APIKey),
		Timeout:     p.Timeout,
		MaxRetries:  p.MaxRetries,
		BaseBackoff: cfg.UpstreamBackoff,
		Breaker: gateway.BreakerConfig{
			FailureThreshold:         cfg.BreakerFailureThreshold,
			OpenTimeout:              cfg.BreakerOpenTimeout,
			HalfOpenSuccessThreshold: cfg.BreakerHalfOpenSuccesses,
			CountTransportErrors:     cfg.BreakerCountTransport,
		},
	}, logger, opts...)
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start launches the webhook workers and the reconciliation schedule.
func (s *Server) Start() error {
	s.webhooks.Start()
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("schedule reconciliation: %w", err)
		}
	}
	return nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, then drains webhook workers and the
// scheduler.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := s.webhooks.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("webhook workers: %w", err))
	}
	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("reconciliation: %w", ctx.Err()))
		}
	}
	return errors.Join(errs...)
}
