// Package app opens the backends named by the configuration. The API, the
// worker and the CLI share it so they agree on where documents live.
package app

import (
	"context"
	"fmt"

	"pdf-ingest/internal/blob"
	"pdf-ingest/internal/blob/fs"
	"pdf-ingest/internal/blob/gcs"
	"pdf-ingest/internal/blob/memory"
	"pdf-ingest/internal/blob/s3"
	"pdf-ingest/internal/config"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/store"
)

// OpenRegistry connects the document registry and applies migrations.
// The returned close func is never nil.
func OpenRegistry(ctx context.Context, cfg config.Config, log *logger.Logger) (store.Registry, func(), error) {
	switch cfg.RegistryDriver {
	case "memory":
		log.Warn("Using in-memory registry; documents are lost on restart")
		return store.NewMemory(), func() {}, nil
	case "postgres", "":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		log.Info("Registry ready", "driver", "postgres")
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported registry driver %q", cfg.RegistryDriver)
	}
}

// OpenBlobStore builds the storage backend for uploaded PDFs.
func OpenBlobStore(ctx context.Context, cfg config.Config, log *logger.Logger) (blob.Store, func(), error) {
	noop := func() {}
	switch cfg.BlobBackend {
	case "fs", "":
		b, err := fs.New(cfg.BlobRoot)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Blob store ready", "backend", "fs", "root", cfg.BlobRoot)
		return b, noop, nil
	case "memory":
		return memory.New(), noop, nil
	case "s3":
		b, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("Blob store ready", "backend", "s3", "bucket", cfg.S3Bucket)
		return b, noop, nil
	case "gcs":
		b, err := gcs.New(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Blob store ready", "backend", "gcs", "bucket", cfg.GCSBucket)
		return b, func() {
			if err := b.Close(); err != nil {
				log.Warn("Close gcs client failed", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
	}
}
