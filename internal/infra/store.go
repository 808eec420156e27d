package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/metergate/internal/config"
	"github.com/congo-pay/metergate/internal/ledger"
)

// Pinger reports backend reachability for health checks.
type Pinger func(ctx context.Context) error

// Store is an opened ledger backend.
type Store struct {
	ledger.Store
	Backend string
	Ping    Pinger
	Close   func()
}

// OpenStore connects the configured ledger backend and applies its schema.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return nil, err
		}
		pg := ledger.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return &Store{Store: pg, Backend: cfg.StoreBackend, Ping: pool.Ping, Close: pool.Close}, nil

	case config.StoreMongo:
		client, err := NewMongoClient(ctx, cfg.MongoURL)
		if err != nil {
			return nil, err
		}
		mg := ledger.NewMongoStore(client, cfg.MongoDatabase)
		if err := mg.Migrate(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("migrate mongo: %w", err)
		}
		return &Store{
			Store:   mg,
			Backend: cfg.StoreBackend,
			Ping:    func(ctx context.Context) error { return client.Ping(ctx, nil) },
			Close: func() {
				if err := client.Disconnect(context.Background()); err != nil {
					logger.Warn("disconnect mongo", slog.Any("error", err))
				}
			},
		}, nil

	case config.StoreMemory:
		logger.Warn("using in-memory ledger; balances are lost on restart")
		return &Store{Store: ledger.NewInMemory(), Backend: cfg.StoreBackend, Ping: func(context.Context) error { return nil }, Close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
