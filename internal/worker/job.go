package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"pdf-ingest/internal/errs"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/models"
	"pdf-ingest/internal/queue"
	"pdf-ingest/internal/store"
	"pdf-ingest/internal/telemetry"
)

// IngestTaskType is the queue task type that runs a Job.
const IngestTaskType = "ingest_pdf"

// IngestPayload is the queue payload of an IngestTaskType task.
type IngestPayload struct {
	DocumentID string `json:"document_id"`
	// Reingest lets the task move a DONE document back through ingestion.
	Reingest bool `json:"reingest,omitempty"`
}

const interruptedMessage = "processing interrupted"

// Outcome is the result class of a Job run.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeAlreadyDone Outcome = "already_done"
	OutcomeMissing     Outcome = "missing"
	OutcomeFailed      Outcome = "failed"
	// OutcomeClaimed means another worker moved the document first.
	OutcomeClaimed Outcome = "claimed"
)

// Result describes what a Job run did to its document.
type Result struct {
	DocumentID string        `json:"document_id"`
	Outcome    Outcome       `json:"outcome"`
	Status     models.Status `json:"status,omitempty"`
	Chunks     int           `json:"chunks"`
}

// Ingestor performs the actual work on a document: OCR, chunking, embedding.
// Returned chunks replace any chunks stored for the document.
type Ingestor interface {
	Ingest(ctx context.Context, doc models.Document) ([]models.Chunk, error)
}

// DelayIngestor stands in for real ingestion by waiting Delay.
type DelayIngestor struct {
	Delay time.Duration
}

func (d DelayIngestor) Ingest(ctx context.Context, _ models.Document) ([]models.Chunk, error) {
	if d.Delay <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// IngestFunc adapts a function to Ingestor.
type IngestFunc func(ctx context.Context, doc models.Document) ([]models.Chunk, error)

func (f IngestFunc) Ingest(ctx context.Context, doc models.Document) ([]models.Chunk, error) {
	return f(ctx, doc)
}

// Job advances one document from registered to DONE or FAILED.
type Job struct {
	reg        store.Registry
	ingestor   Ingestor
	log        *logger.Logger
	maxMessage int
	now        func() time.Time
}

func NewJob(reg store.Registry, ingestor Ingestor, log *logger.Logger, maxMessage int) *Job {
	if ingestor == nil {
		ingestor = DelayIngestor{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if maxMessage <= 0 {
		maxMessage = 1000
	}
	return &Job{
		reg:        reg,
		ingestor:   ingestor,
		log:        log.With("component", "IngestJob"),
		maxMessage: maxMessage,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the queue Handler for IngestTaskType tasks. A failed ingestion is
// returned so the processor schedules a retry.
func (j *Job) Handle(ctx context.Context, task queue.Task) error {
	var p IngestPayload
	if err := task.Decode(&p); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", IngestTaskType, err))
	}
	if p.DocumentID == "" {
		return Permanent(errors.New("ingest task without document_id"))
	}
	_, err := j.execute(ctx, p.DocumentID, task.ID, p.Reingest)
	return err
}

// Run processes documentID without a queue correlation id.
func (j *Job) Run(ctx context.Context, documentID string) (Result, error) {
	return j.RunWithTask(ctx, documentID, "")
}

// RunWithTask processes documentID and records taskID as its worker task id.
// It returns an *errs.Error of KindProcessing after the document has been
// marked FAILED.
func (j *Job) RunWithTask(ctx context.Context, documentID, taskID string) (Result, error) {
	return j.execute(ctx, documentID, taskID, false)
}

func (j *Job) execute(ctx context.Context, documentID, taskID string, reingest bool) (Result, error) {
	res, err := j.run(ctx, documentID, taskID, reingest)
	telemetry.JobOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

func (j *Job) run(ctx context.Context, documentID, taskID string, reingest bool) (Result, error) {
	log := j.log.With("document_id", documentID, "task_id", taskID)
	res := Result{DocumentID: documentID}

	doc, err := j.reg.GetDocument(ctx, documentID)
	if err != nil {
		return j.stepFailed(log, res, "load", err)
	}

	interrupt := step{"mark interrupted", models.StatusFailed, func() (models.Document, error) {
		return j.reg.MarkFailed(ctx, documentID, interruptedMessage)
	}}
	queued := step{"mark pending", models.StatusPending, func() (models.Document, error) {
		return j.reg.MarkQueued(ctx, documentID)
	}}
	claim := step{"mark processing", models.StatusProcessing, func() (models.Document, error) {
		return j.reg.MarkProcessing(ctx, documentID, taskID, j.now())
	}}

	var steps []step
	switch doc.Status {
	case models.StatusDone:
		if !reingest {
			log.Debug("Document already ingested")
			res.Outcome, res.Status = OutcomeAlreadyDone, doc.Status
			return res, nil
		}
		log.Info("Re-ingesting document")
		steps = []step{queued, claim}
	case models.StatusProcessing:
		// A redelivered task found the marker of an attempt that never finished.
		log.Warn("Found interrupted attempt", "attempts", doc.ProcessingAttempts)
		steps = []step{interrupt, queued, claim}
	case models.StatusUploaded, models.StatusFailed:
		steps = []step{queued, claim}
	case models.StatusPending:
		steps = []step{claim}
	default:
		res.Outcome = OutcomeFailed
		return res, errs.Internal("unknown document status", fmt.Errorf("document %s is %q", documentID, doc.Status))
	}
	for _, s := range steps {
		models.MustTransition(doc.Status, s.to)
		if doc, err = s.apply(); err != nil {
			return j.stepFailed(log, res, s.name, err)
		}
	}

	log.Info("Ingestion started", "attempt", doc.ProcessingAttempts, "storage_key", doc.StorageKey)
	started := time.Now()
	chunks, workErr := j.ingest(ctx, doc)
	telemetry.JobDuration.Observe(time.Since(started).Seconds())
	if workErr == nil && len(chunks) > 0 {
		if err := j.reg.ReplaceChunks(ctx, documentID, chunks); err != nil {
			workErr = fmt.Errorf("store chunks: %w", err)
		}
	}

	// The outcome must be persisted even when ctx was cancelled mid-work.
	wctx := context.WithoutCancel(ctx)

	if workErr != nil {
		msg := SanitizeError(workErr, j.maxMessage)
		models.MustTransition(doc.Status, models.StatusFailed)
		if _, err := j.reg.MarkFailed(wctx, documentID, msg); err != nil {
			return j.stepFailed(log, res, "mark failed", err)
		}
		j.event(wctx, log, models.DocumentEvent(documentID, models.LevelError, "ingestion failed",
			map[string]any{"error": msg, "attempt": doc.ProcessingAttempts, "task_id": taskID}))
		log.Error("Ingestion failed", "error", msg, "attempt", doc.ProcessingAttempts)
		res.Outcome, res.Status = OutcomeFailed, models.StatusFailed
		return res, errs.Processing(workErr)
	}

	models.MustTransition(doc.Status, models.StatusDone)
	done, err := j.reg.MarkDone(wctx, documentID, j.now())
	if err != nil {
		return j.stepFailed(log, res, "mark done", err)
	}
	j.event(wctx, log, models.DocumentEvent(documentID, models.LevelInfo, "processed",
		map[string]any{"chunks": len(chunks), "attempt": done.ProcessingAttempts, "task_id": taskID}))
	log.Info("Ingestion finished", "chunks", len(chunks), "duration_ms", time.Since(started).Milliseconds())
	res.Outcome, res.Status, res.Chunks = OutcomeDone, done.Status, len(chunks)
	return res, nil
}

// step is one guarded status change on the way to PROCESSING.
type step struct {
	name  string
	to    models.Status
	apply func() (models.Document, error)
}

// ingest runs the Ingestor and turns a panic into an error.
func (j *Job) ingest(ctx context.Context, doc models.Document) (chunks []models.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during ingestion: %v", r)
		}
	}()
	return j.ingestor.Ingest(ctx, doc)
}

// stepFailed classifies a Registry error met outside the work phase.
func (j *Job) stepFailed(log *logger.Logger, res Result, step string, err error) (Result, error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("Document vanished, nothing to do", "step", step)
		res.Outcome = OutcomeMissing
		return res, nil
	case errors.Is(err, store.ErrStatusConflict):
		log.Info("Document moved by another worker", "step", step, "error", err)
		res.Outcome = OutcomeClaimed
		return res, nil
	default:
		return res, fmt.Errorf("%s: %w", step, err)
	}
}

func (j *Job) event(ctx context.Context, log *logger.Logger, ev models.IngestionEvent) {
	if err := j.reg.AppendEvent(ctx, ev); err != nil {
		log.Warn("Append ingestion event failed", "message", ev.Message, "error", err)
	}
}

// SanitizeError reduces err to a single printable line of at most max runes.
func SanitizeError(err error, max int) string {
	if err == nil {
		return ""
	}
	line := err.Error()
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, line))
	if line == "" {
		line = "ingestion failed"
	}
	if max > 0 {
		if runes := []rune(line); len(runes) > max {
			line = string(runes[:max])
		}
	}
	return line
}
