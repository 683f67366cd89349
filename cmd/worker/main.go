// Package main runs the asynq worker that republishes provenance reports.
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
	"github.com/dharsanguruparan/HarvestTrace/internal/observability"
	"github.com/dharsanguruparan/HarvestTrace/internal/repository"
	"github.com/dharsanguruparan/HarvestTrace/internal/s3storage"
	"github.com/dharsanguruparan/HarvestTrace/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}
	// Read-only use: the worker never mutates the ledger.
	l := ledger.New(repository.NewPgStore(pool), ledger.WithLogger(logger.Named("ledger")))

	store, err := s3storage.New(cfg)
	if err != nil {
		logger.Fatal("init storage", zap.Error(err))
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Fatal("ensure bucket", zap.Error(err))
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.DispatchWorkers,
		Logger:      logger.Named("asynq").Sugar(),
	})
	processor := worker.NewProcessor(l, store, logger.Named("worker"))

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", zap.String("bucket", store.Bucket()))
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
