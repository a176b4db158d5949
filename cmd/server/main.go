package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkgfoundry/depot/internal/auth"
	"github.com/pkgfoundry/depot/internal/blob"
	"github.com/pkgfoundry/depot/internal/cluster"
	"github.com/pkgfoundry/depot/internal/config"
	"github.com/pkgfoundry/depot/internal/handler"
	"github.com/pkgfoundry/depot/internal/logger"
	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/registry"
	"github.com/pkgfoundry/depot/internal/store"
	"github.com/pkgfoundry/depot/internal/upstream"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.InitLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize table store
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}
	st, err := store.NewSQLiteStore(filepath.Join(cfg.Storage.Path, "depot.db"), log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Initialize blob storage
	blobs, err := newBlobStorage(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize blob storage", zap.Error(err))
	}

	// Seed the store-held config singletons on first boot
	seedUp := &model.UpstreamConfig{
		Enabled:       cfg.Upstream.Enabled,
		APIURL:        cfg.Upstream.APIURL,
		RepoURL:       cfg.Upstream.RepoURL,
		Timeout:       cfg.Upstream.Timeout,
		RetryAttempts: cfg.Upstream.RetryAttempts,
		RetryDelay:    cfg.Upstream.RetryDelay,
	}
	seedPub := &model.PublishConfig{AnonymousEnabled: cfg.Publish.AnonymousEnabled}
	if err := st.SeedConfigs(ctx, seedUp, seedPub); err != nil {
		log.Fatal("failed to seed configs", zap.Error(err))
	}

	// Initialize registry engine and auth gate
	engine := registry.NewEngine(st, blobs, upstream.NewClient(log), log)
	if err := engine.EnsureAnonymousUser(ctx); err != nil {
		log.Fatal("failed to ensure anonymous user", zap.Error(err))
	}
	gate := auth.NewGate(st, log)

	// Initialize cluster manager and converge replica sets
	cm, err := cluster.NewManager(st, cfg.Cluster, log)
	if err != nil {
		log.Fatal("failed to create cluster manager", zap.Error(err))
	}
	if err := cm.Converge(ctx); err != nil {
		log.Fatal("failed to converge replica sets", zap.Error(err))
	}
	go cm.RunHeartbeat(ctx)

	// Initialize API handler
	api := handler.NewAPI(cfg, log, engine, gate, st, cm)
	defer api.Close()

	// Create router
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		log.Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	log.Info("shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited properly")
}

func newBlobStorage(ctx context.Context, cfg *config.Config) (blob.Storage, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return blob.NewS3Storage(ctx, blob.S3Options{
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
	default:
		return blob.NewFSStorage(filepath.Join(cfg.Storage.Path, "blobs"))
	}
}
