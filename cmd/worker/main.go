package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdf-ingest/internal/app"
	"pdf-ingest/internal/config"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/queue"
	"pdf-ingest/internal/scan"
	"pdf-ingest/internal/telemetry"
	workerproc "pdf-ingest/internal/worker"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, closeReg, err := app.OpenRegistry(ctx, cfg, log)
	if err != nil {
		log.Fatal("Open registry failed", "error", err)
	}
	defer closeReg()

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg)

	// Unique worker name from env or hostname
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	job := workerproc.NewJob(reg, workerproc.DelayIngestor{Delay: cfg.IngestDelay}, log, cfg.ErrorMessageMax)
	pool := workerproc.NewPool(cfg, q, log, workerID)
	pool.RegisterHandler(workerproc.IngestTaskType, job.Handle)

	if cfg.ScanInterval > 0 {
		blobs, closeBlobs, err := app.OpenBlobStore(ctx, cfg, log)
		if err != nil {
			log.Fatal("Open blob store failed", "error", err)
		}
		defer closeBlobs()
		reconciler := scan.New(reg, blobs, log, cfg.UploadPrefix)
		go func() {
			_ = reconciler.Run(ctx, cfg.ScanInterval, false)
		}()
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics server stopped", "error", err)
		}
	}()

	log.Info("Worker started", "worker_id", workerID, "concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial, "max_attempts", cfg.MaxAttempts)
	if err := pool.Run(ctx); err != nil {
		log.Error("Worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info("Worker stopped")
}
