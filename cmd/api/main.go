package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "pdf-ingest/internal/api"
	"pdf-ingest/internal/app"
	"pdf-ingest/internal/config"
	"pdf-ingest/internal/dispatch"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/queue"
	"pdf-ingest/internal/ratelimit"
	"pdf-ingest/internal/scan"
	"pdf-ingest/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg, closeReg, err := app.OpenRegistry(ctx, cfg, log)
	if err != nil {
		log.Fatal("Open registry failed", "error", err)
	}
	defer closeReg()

	blobs, closeBlobs, err := app.OpenBlobStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Open blob store failed", "error", err)
	}
	defer closeBlobs()

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	disp := dispatch.New(reg, blobs, q, log, dispatch.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		UploadPrefix:   cfg.UploadPrefix,
	})
	reconciler := scan.New(reg, blobs, log, cfg.UploadPrefix)
	if cfg.ScanInterval > 0 {
		go func() {
			_ = reconciler.Run(ctx, cfg.ScanInterval, false)
		}()
	}

	var media http.Handler
	if cfg.BlobBackend == "fs" {
		media = http.FileServer(http.Dir(cfg.BlobRoot))
	}
	server := api.New(disp, reconciler, limiter, log, api.Options{
		StuckAfter: cfg.StuckAfter,
		Media:      media,
		Ready: func(ctx context.Context) error {
			if err := q.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if _, err := reg.ListDocuments(ctx, store.ListFilter{Limit: 1}); err != nil {
				return fmt.Errorf("registry: %w", err)
			}
			return nil
		},
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("API listening", "port", cfg.HTTPPort, "registry", cfg.RegistryDriver, "blob_backend", cfg.BlobBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Listen failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	log.Info("API stopped")
}
