package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sage-x-project/sage-registry/config"
	"github.com/sage-x-project/sage-registry/embedder"
	"github.com/sage-x-project/sage-registry/events"
	"github.com/sage-x-project/sage-registry/logger"
	"github.com/sage-x-project/sage-registry/resilience"
	"github.com/sage-x-project/sage-registry/server"
	"github.com/sage-x-project/sage-registry/storage"
)

// startupRetry waits out store cold starts; once serving, handlers never
// retry.
var startupRetry = &resilience.RetryConfig{
	MaxAttempts:     10,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	Multiplier:      2.0,
	RandomizeFactor: 0.1,
	RetryIf:         resilience.IsRetryable,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	log.SetService("sage-registry")
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal("failed to create postgres pool", err)
	}
	defer store.Close()
	if err := resilience.RetryWithConfig(ctx, startupRetry, func() error {
		return store.Ping(ctx)
	}); err != nil {
		log.Fatal("postgres not reachable", err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("migration failed", err)
	}
	log.Info("postgres ready")

	vector, err := storage.NewVectorIndex(cfg.QdrantURL)
	if err != nil {
		log.Fatal("failed to create qdrant client", err)
	}
	defer vector.Close()
	if err := resilience.RetryWithConfig(ctx, startupRetry, func() error {
		return vector.Ping(ctx)
	}); err != nil {
		log.Fatal("qdrant not reachable", err)
	}
	if err := vector.EnsureCollection(ctx); err != nil {
		log.Fatal("failed to ensure collection", err)
	}
	log.Info("qdrant ready")

	emb := embedder.New(cfg.EmbedModel, log)

	hub := events.NewHub(log)
	go hub.Run(ctx)

	srv, err := server.New(cfg, log, store, vector, emb, hub)
	if err != nil {
		log.Fatal("failed to build server", err)
	}

	if cfg.SeedConfig != "" {
		seed, err := config.LoadSeedConfig(cfg.SeedConfig)
		if err != nil {
			log.Fatal("failed to load seed config", err)
		}
		if err := srv.Seed(ctx, seed); err != nil {
			log.Fatal("failed to seed agents", err)
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(hub),
	}

	go func() {
		log.Infof("registry listening on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", err)
	}
}
