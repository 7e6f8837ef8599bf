// Package scan adopts PDF files that reached the upload area without going
// through the upload endpoint.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdf-ingest/internal/blob"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/models"
	"pdf-ingest/internal/store"
	"pdf-ingest/internal/telemetry"
)

// FileError is a failure confined to one file of a pass.
type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Report counts what a pass saw. In a dry run Created counts the documents
// that would have been created.
type Report struct {
	Found   int         `json:"found"`
	Skipped int         `json:"skipped"`
	Created int         `json:"created"`
	Errors  []FileError `json:"errors"`
	DryRun  bool        `json:"dry_run"`
}

// Reconciler registers orphan files under the upload prefix as UPLOADED
// documents. It never submits ingest tasks.
type Reconciler struct {
	reg    store.Registry
	blobs  blob.Store
	log    *logger.Logger
	prefix string
	now    func() time.Time
}

func New(reg store.Registry, blobs blob.Store, log *logger.Logger, prefix string) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	if prefix == "" {
		prefix = "uploads/"
	}
	return &Reconciler{
		reg:    reg,
		blobs:  blobs,
		log:    log.With("component", "Reconciler"),
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IsCandidate reports whether name looks like a finished PDF upload.
func IsCandidate(name string) bool {
	if name == "" || strings.HasPrefix(name, "~") {
		return false
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".part") || strings.HasSuffix(lower, ".tmp") {
		return false
	}
	return strings.HasSuffix(lower, ".pdf")
}

// ScanOnce makes one pass over the upload area. Per-file problems land in
// Report.Errors; an error is returned only when the pass could not start.
func (r *Reconciler) ScanOnce(ctx context.Context, dryRun bool) (Report, error) {
	rep := Report{DryRun: dryRun, Errors: []FileError{}}

	entries, err := r.blobs.List(ctx, r.prefix)
	if err != nil {
		return rep, fmt.Errorf("list %s: %w", r.prefix, err)
	}
	keys, err := r.reg.StorageKeys(ctx)
	if err != nil {
		return rep, fmt.Errorf("load storage keys: %w", err)
	}
	// Documents are matched on the base name of their key only, so a file
	// with the same name under another prefix counts as already registered.
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[blob.BaseName(k)] = struct{}{}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.IsFile {
			continue
		}
		rep.Found++
		if !IsCandidate(e.Name) {
			rep.Skipped++
			continue
		}
		if _, dup := known[e.Name]; dup {
			rep.Skipped++
			continue
		}

		size, err := r.blobs.SizeOf(ctx, e.Key)
		if err != nil {
			r.fileFailed(&rep, e.Name, fmt.Errorf("stat: %w", err))
			continue
		}

		if dryRun {
			r.log.Info("Would create document", "file", e.Name, "storage_key", e.Key, "size", size)
			known[e.Name] = struct{}{}
			rep.Created++
			continue
		}

		created, err := r.adopt(ctx, e, size)
		switch {
		case err != nil:
			r.fileFailed(&rep, e.Name, err)
		case !created:
			rep.Skipped++
		default:
			rep.Created++
		}
		known[e.Name] = struct{}{}
	}

	telemetry.ScanRuns.Inc()
	telemetry.ScanFiles.WithLabelValues("found").Add(float64(rep.Found))
	telemetry.ScanFiles.WithLabelValues("skipped").Add(float64(rep.Skipped))
	telemetry.ScanFiles.WithLabelValues("created").Add(float64(rep.Created))
	telemetry.ScanFiles.WithLabelValues("error").Add(float64(len(rep.Errors)))

	level := models.LevelInfo
	if len(rep.Errors) > 0 {
		level = models.LevelError
	}
	if !dryRun {
		if err := r.reg.AppendEvent(ctx, models.SystemEvent(level, "scan finished", map[string]any{
			"found": rep.Found, "skipped": rep.Skipped, "created": rep.Created, "errors": len(rep.Errors),
		})); err != nil {
			r.log.Warn("Append scan event failed", "error", err)
		}
	}
	r.log.Info("Scan finished", "dry_run", dryRun, "found", rep.Found, "skipped", rep.Skipped,
		"created", rep.Created, "errors", len(rep.Errors))
	return rep, nil
}

// adopt registers the file in place together with its detection event.
// created is false when a concurrent pass registered the key first.
func (r *Reconciler) adopt(ctx context.Context, e blob.Entry, size int64) (created bool, err error) {
	now := r.now()
	doc := &models.Document{
		OriginalName: e.Name,
		StorageKey:   e.Key,
		Size:         size,
		Status:       models.StatusUploaded,
		UploadedAt:   now,
		DetectedAt:   &now,
	}
	err = r.reg.InTx(ctx, func(tx store.Registry) error {
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, models.DocumentEvent(doc.ID, models.LevelInfo, "detected",
			map[string]any{"storage_key": e.Key, "size": size}))
	})
	if errors.Is(err, store.ErrDuplicateStorageKey) {
		r.log.Debug("File registered concurrently", "file", e.Name)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	r.log.Info("Created document for orphan file", "document_id", doc.ID, "file", e.Name, "size", size)
	return true, nil
}

func (r *Reconciler) fileFailed(rep *Report, name string, err error) {
	r.log.Warn("Scan failed for file", "file", name, "error", err)
	rep.Errors = append(rep.Errors, FileError{File: name, Error: err.Error()})
}

// Run calls ScanOnce immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, dryRun bool) error {
	if interval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.ScanOnce(ctx, dryRun); err != nil && ctx.Err() == nil {
			r.log.Error("Scan pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
