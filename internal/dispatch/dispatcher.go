// Package dispatch is the entry point used by the HTTP layer and the CLI to
// register uploads and trigger ingestion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pdf-ingest/internal/blob"
	"pdf-ingest/internal/errs"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/models"
	"pdf-ingest/internal/store"
	"pdf-ingest/internal/telemetry"
	"pdf-ingest/internal/worker"
)

// DefaultMaxUploadBytes is the upload limit used when Options leaves it unset.
const DefaultMaxUploadBytes int64 = 20 << 20

// Queue accepts background tasks and returns an opaque handle.
type Queue interface {
	Submit(ctx context.Context, taskType string, payload any) (string, error)
}

// Canceler is implemented by queues that can withdraw a task that has not
// run yet.
type Canceler interface {
	Cancel(ctx context.Context, taskID string) error
}

// Upload is one incoming file. Size is the declared length; the bytes
// actually read from Body are what get recorded.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadResult is returned for every registered upload. When the queue
// rejected the ingest task the document still exists, Queued is false and
// QueueErr says why.
type UploadResult struct {
	Document models.Document
	Queued   bool
	QueueErr error
}

type Options struct {
	MaxUploadBytes int64
	UploadPrefix   string
}

// Dispatcher validates uploads, stores them and hands them to the queue.
type Dispatcher struct {
	reg      store.Registry
	blobs    blob.Store
	queue    Queue
	log      *logger.Logger
	maxBytes int64
	prefix   string
	now      func() time.Time
}

func New(reg store.Registry, blobs blob.Store, q Queue, log *logger.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.UploadPrefix == "" {
		opts.UploadPrefix = "uploads/"
	}
	return &Dispatcher{
		reg:      reg,
		blobs:    blobs,
		queue:    q,
		log:      log.With("component", "Dispatcher"),
		maxBytes: opts.MaxUploadBytes,
		prefix:   opts.UploadPrefix,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MaxUploadBytes is the configured upload limit.
func (d *Dispatcher) MaxUploadBytes() int64 { return d.maxBytes }

// IsPDF accepts a file whose name ends in .pdf or whose declared content type mentions pdf.
func IsPDF(fileName, contentType string) bool {
	return strings.HasSuffix(strings.ToLower(fileName), ".pdf") ||
		strings.Contains(strings.ToLower(contentType), "pdf")
}

// SubmitUpload stores the file, registers a document in UPLOADED and submits
// an ingest task. A queue failure does not fail the upload.
func (d *Dispatcher) SubmitUpload(ctx context.Context, up Upload) (UploadResult, error) {
	name := strings.TrimSpace(blob.BaseName(strings.TrimSpace(up.FileName)))
	if name == "" || name == "." || name == "/" || up.Body == nil {
		telemetry.UploadsTotal.WithLabelValues("invalid").Inc()
		return UploadResult{}, errs.Validation("no file provided")
	}
	if !IsPDF(name, up.ContentType) {
		telemetry.UploadsTotal.WithLabelValues("invalid").Inc()
		return UploadResult{}, errs.Validation("only PDF files are allowed")
	}
	if up.Size > d.maxBytes {
		telemetry.UploadsTotal.WithLabelValues("too_large").Inc()
		return UploadResult{}, errs.TooLarge(d.maxBytes)
	}

	key := blob.NewKey(d.prefix, name)
	body := &limitedReader{r: up.Body, limit: d.maxBytes}
	saved, err := d.blobs.Save(ctx, key, body)
	if body.exceeded {
		if err == nil {
			d.removeBlob(ctx, saved)
		}
		telemetry.UploadsTotal.WithLabelValues("too_large").Inc()
		return UploadResult{}, errs.TooLarge(d.maxBytes)
	}
	if err != nil {
		d.log.Error("Blob save failed", "storage_key", key, "error", err)
		telemetry.UploadsTotal.WithLabelValues("storage_error").Inc()
		return UploadResult{}, errs.Storage("save", key, err)
	}

	doc := &models.Document{
		OriginalName: name,
		StorageKey:   saved,
		Size:         body.n,
		Status:       models.StatusUploaded,
		UploadedAt:   d.now(),
	}
	err = d.reg.InTx(ctx, func(tx store.Registry) error {
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, models.DocumentEvent(doc.ID, models.LevelInfo, "uploaded",
			map[string]any{"size": doc.Size, "content_type": up.ContentType, "storage_key": saved}))
	})
	if errors.Is(err, store.ErrDuplicateStorageKey) {
		// A reconciler pass adopted the blob between Save and the insert. The
		// blob belongs to that document now, so it must not be removed.
		owner, ownerErr := d.takeOverAdopted(ctx, saved, name)
		if ownerErr != nil {
			telemetry.UploadsTotal.WithLabelValues("registry_error").Inc()
			return UploadResult{}, ownerErr
		}
		doc = &owner
	} else if err != nil {
		// Keep blob store and registry in agreement.
		d.removeBlob(ctx, saved)
		telemetry.UploadsTotal.WithLabelValues("registry_error").Inc()
		return UploadResult{}, errs.Internal("register document", err)
	}
	telemetry.UploadsTotal.WithLabelValues("ok").Inc()
	telemetry.UploadBytes.Add(float64(doc.Size))
	d.log.Info("Upload registered", "document_id", doc.ID, "storage_key", saved, "size", doc.Size)

	res := UploadResult{Document: *doc}
	if doc.Queued() {
		res.Queued = true
		return res, nil
	}
	if err := d.submit(ctx, &res.Document, false); err != nil {
		res.QueueErr = err
		return res, nil
	}
	res.Queued = true
	return res, nil
}

// submit enqueues an ingest task for doc and records the handle on it. The
// returned error is always of KindQueueUnavailable.
func (d *Dispatcher) submit(ctx context.Context, doc *models.Document, reingest bool) error {
	taskID, err := d.queue.Submit(ctx, worker.IngestTaskType, worker.IngestPayload{DocumentID: doc.ID, Reingest: reingest})
	if err != nil {
		telemetry.EnqueueFailures.Inc()
		d.log.Warn("Queue submit failed, document left for later submission", "document_id", doc.ID, "error", err)
		d.appendEvent(ctx, models.DocumentEvent(doc.ID, models.LevelError, "queue_unavailable",
			map[string]any{"error": err.Error()}))
		return errs.QueueUnavailable(err)
	}
	telemetry.EnqueueCounter.Inc()
	if err := d.reg.SetWorkerTaskID(ctx, doc.ID, taskID); err != nil {
		// The task still runs; only the correlation id is lost.
		d.log.Warn("Record worker task id failed", "document_id", doc.ID, "task_id", taskID, "error", err)
		return nil
	}
	doc.WorkerTaskID = &taskID
	return nil
}

// takeOverAdopted returns the document that already owns key, renamed to the
// name the client uploaded it under.
func (d *Dispatcher) takeOverAdopted(ctx context.Context, key, name string) (models.Document, error) {
	owner, err := d.reg.GetByStorageKey(ctx, key)
	if err != nil {
		d.log.Error("Storage key registered but owner not found", "storage_key", key, "error", err)
		return models.Document{}, errs.Internal("register document", err)
	}
	if owner.OriginalName != name {
		if renamed, err := d.reg.Rename(ctx, owner.ID, name); err != nil {
			d.log.Warn("Rename adopted document failed", "document_id", owner.ID, "error", err)
		} else {
			owner = renamed
		}
	}
	d.appendEvent(ctx, models.DocumentEvent(owner.ID, models.LevelInfo, "upload matched scanned document",
		map[string]any{"storage_key": key}))
	d.log.Info("Upload already adopted by reconciler", "document_id", owner.ID, "storage_key", key)
	return owner, nil
}

// Get returns a single document.
func (d *Dispatcher) Get(ctx context.Context, id string) (models.Document, error) {
	doc, err := d.reg.GetDocument(ctx, id)
	if err != nil {
		return models.Document{}, d.registryErr(err, id)
	}
	return doc, nil
}

// List returns documents newest first.
func (d *Dispatcher) List(ctx context.Context, f store.ListFilter) ([]models.Document, error) {
	docs, err := d.reg.ListDocuments(ctx, f)
	if err != nil {
		return nil, errs.Internal("list documents", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

// Rename changes the display name. The storage key is not touched.
func (d *Dispatcher) Rename(ctx context.Context, id, newName string) (models.Document, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return models.Document{}, errs.Validation("new_name is required")
	}
	before, err := d.reg.GetDocument(ctx, id)
	if err != nil {
		return models.Document{}, d.registryErr(err, id)
	}
	doc, err := d.reg.Rename(ctx, id, newName)
	if err != nil {
		return models.Document{}, d.registryErr(err, id)
	}
	d.appendEvent(ctx, models.DocumentEvent(id, models.LevelInfo, "renamed",
		map[string]any{"from": before.OriginalName, "to": newName}))
	return doc, nil
}

// Delete removes the blob and then the document with its chunks and events.
// A blob that cannot be removed is logged and otherwise ignored. A task still
// waiting in the queue is withdrawn when the queue supports it.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	doc, err := d.reg.GetDocument(ctx, id)
	if err != nil {
		return d.registryErr(err, id)
	}
	if c, ok := d.queue.(Canceler); ok && doc.WorkerTaskID != nil && doc.Status != models.StatusProcessing {
		if err := c.Cancel(ctx, *doc.WorkerTaskID); err != nil {
			d.log.Warn("Cancel queued task failed", "document_id", id, "task_id", *doc.WorkerTaskID, "error", err)
		}
	}
	d.removeBlob(ctx, doc.StorageKey)
	if err := d.reg.DeleteDocument(ctx, id); err != nil {
		return d.registryErr(err, id)
	}
	d.log.Info("Document deleted", "document_id", id, "storage_key", doc.StorageKey)
	return nil
}

// Resubmit queues a new ingest task for a document that is not currently in
// flight. DONE documents are re-ingested.
func (d *Dispatcher) Resubmit(ctx context.Context, id string) (models.Document, error) {
	doc, err := d.reg.GetDocument(ctx, id)
	if err != nil {
		return models.Document{}, d.registryErr(err, id)
	}
	switch doc.Status {
	case models.StatusPending, models.StatusProcessing:
		return models.Document{}, errs.Conflict(fmt.Sprintf("document is %s", strings.ToLower(string(doc.Status))), nil)
	case models.StatusUploaded, models.StatusFailed, models.StatusDone:
	}
	if err := d.submit(ctx, &doc, doc.Status == models.StatusDone); err != nil {
		return models.Document{}, err
	}
	d.appendEvent(ctx, models.DocumentEvent(id, models.LevelInfo, "resubmitted",
		map[string]any{"from_status": string(doc.Status)}))
	return doc, nil
}

// SubmitPending submits ingest tasks for UPLOADED documents that were never
// queued, such as reconciler finds. It stops at the first queue failure.
func (d *Dispatcher) SubmitPending(ctx context.Context, limit int) (int, error) {
	uploaded := models.StatusUploaded
	docs, err := d.reg.ListDocuments(ctx, store.ListFilter{Status: &uploaded, Unqueued: true, Limit: limit})
	if err != nil {
		return 0, errs.Internal("list pending documents", err)
	}
	submitted := 0
	for i := range docs {
		if err := d.submit(ctx, &docs[i], false); err != nil {
			return submitted, err
		}
		submitted++
	}
	if submitted > 0 {
		d.log.Info("Submitted pending documents", "count", submitted)
	}
	return submitted, nil
}

// Stuck lists documents that entered PROCESSING more than olderThan ago.
func (d *Dispatcher) Stuck(ctx context.Context, olderThan time.Duration) ([]models.Document, error) {
	processing := models.StatusProcessing
	cutoff := d.now().Add(-olderThan)
	docs, err := d.reg.ListDocuments(ctx, store.ListFilter{Status: &processing, StartedBefore: &cutoff})
	if err != nil {
		return nil, errs.Internal("list stuck documents", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

// Events returns the audit trail of one document, newest first.
func (d *Dispatcher) Events(ctx context.Context, id string, limit int) ([]models.IngestionEvent, error) {
	if _, err := d.reg.GetDocument(ctx, id); err != nil {
		return nil, d.registryErr(err, id)
	}
	events, err := d.reg.ListEvents(ctx, &id, limit)
	if err != nil {
		return nil, errs.Internal("list events", err)
	}
	if events == nil {
		events = []models.IngestionEvent{}
	}
	return events, nil
}

func (d *Dispatcher) removeBlob(ctx context.Context, key string) {
	if err := d.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		d.log.Warn("Blob delete failed", "storage_key", key, "error", err)
	}
}

func (d *Dispatcher) appendEvent(ctx context.Context, ev models.IngestionEvent) {
	if err := d.reg.AppendEvent(ctx, ev); err != nil {
		d.log.Warn("Append ingestion event failed", "message", ev.Message, "error", err)
	}
}

func (d *Dispatcher) registryErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound("document", id)
	}
	return errs.Internal("registry", err)
}

// limitedReader fails once more than limit bytes have been read.
type limitedReader struct {
	r        io.Reader
	limit    int64
	n        int64
	exceeded bool
}

var errBodyTooLarge = errors.New("upload exceeds size limit")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, errBodyTooLarge
	}
	if room := l.limit - l.n + 1; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.limit {
		l.exceeded = true
		return n, errBodyTooLarge
	}
	return n, err
}
