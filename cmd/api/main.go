package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/metergate/internal/config"
	"github.com/congo-pay/metergate/internal/events"
	"github.com/congo-pay/metergate/internal/infra"
	"github.com/congo-pay/metergate/internal/logging"
	"github.com/congo-pay/metergate/internal/metrics"
	"github.com/congo-pay/metergate/internal/routes"
	"github.com/congo-pay/metergate/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := infra.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open ledger store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	health := []routes.HealthCheck{{Name: cfg.StoreBackend, Ping: store.Ping}}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		health = append(health, routes.HealthCheck{Name: "redis", Ping: infra.RedisPinger(cache)})
	} else {
		logger.Warn("redis not configured; webhook dedup and rate limits are process-local")
	}

	var publisher events.Publisher = events.NewLoggerPublisher(logger)
	if cfg.RabbitMQURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, falling back to log events", "error", err)
		} else {
			defer amqpPub.Close()
			publisher = amqpPub
		}
	}

	srv, err := server.New(cfg, server.Deps{
		Store:     store,
		Cache:     cache,
		Publisher: publisher,
		Metrics:   metrics.New(),
		Health:    health,
	}, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("start background workers", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()
	logger.Info("metergate listening", "addr", cfg.Address(), "env", cfg.AppEnv, "store", store.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
