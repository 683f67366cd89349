// Package main is the entry point for the HarvestTrace API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/config"
	"github.com/dharsanguruparan/HarvestTrace/internal/database"
	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/observability"
	"github.com/dharsanguruparan/HarvestTrace/internal/processing"
	"github.com/dharsanguruparan/HarvestTrace/internal/queue"
	"github.com/dharsanguruparan/HarvestTrace/internal/report"
	"github.com/dharsanguruparan/HarvestTrace/internal/repository"
	"github.com/dharsanguruparan/HarvestTrace/internal/server"
	"github.com/dharsanguruparan/HarvestTrace/internal/signing"
	"github.com/dharsanguruparan/HarvestTrace/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	var store storage.Store
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		store = repository.NewPgStore(pool)
	default:
		store = storage.NewMemoryStore()
	}

	// The cache is created after the ledger it reads from; the invalidating
	// notifier only runs once both exist.
	var cache *report.Cache
	invalidate := ledger.NotifierFunc(func(_ context.Context, c model.Change) error {
		cache.Invalidate(c)
		return nil
	})

	var async ledger.Notifier
	switch cfg.Notify {
	case config.NotifyInProcess:
		dispatcher := processing.New(cfg.DispatchWorkers, logger.Named("dispatch"))
		dispatcher.Subscribe(func(ctx context.Context, c model.Change) {
			// Warm the report so the next scan is served from memory.
			if _, _, err := cache.Get(ctx, c.EntityID); err != nil {
				logger.Warn("report warm-up failed", zap.String("entity_id", c.EntityID), zap.Error(err))
			}
		})
		dispatcher.Start(ctx)
		async = dispatcher
	case config.NotifyQueue:
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		async = queue.NewNotifier(client)
	}

	l := ledger.New(store,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(metrics),
		ledger.WithSequenceFloors(cfg.BatchSeqFloor, cfg.ProductSeqFloor),
		ledger.WithExclusiveBatches(cfg.ExclusiveBatches),
		ledger.WithNotifier(ledger.Notifiers(invalidate, async)),
	)
	cache = report.NewCache(l)

	srv := server.New(cfg, l, cache, signing.NewSigner(cfg.SigningSecret), metrics, logger.Named("http"))
	logger.Info("harvestrace starting",
		zap.String("store", cfg.Store),
		zap.String("notify", cfg.Notify),
		zap.Bool("exclusive_batches", cfg.ExclusiveBatches))
	return srv.Serve(ctx)
}
