package store

import (
	"context"
	"errors"
	"time"

	"pdf-ingest/internal/models"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateStorageKey is returned when a storage key is already registered.
	ErrDuplicateStorageKey = errors.New("storage key already registered")
	// ErrStatusConflict is returned when a guarded transition finds the row in a
	// state that no longer allows it, typically because another worker moved it.
	ErrStatusConflict = errors.New("document status changed concurrently")
)

// ListFilter narrows ListDocuments. Zero values mean "no filter".
type ListFilter struct {
	Status        *models.Status
	Unqueued      bool       // only documents without a worker task id
	StartedBefore *time.Time // processing_started_at < StartedBefore
	Limit         int
}

// Registry is the durable store of documents, their chunks and audit events.
// Every status change is a single-row UPDATE guarded by the allowed
// predecessor states, so concurrent workers never overwrite each other blindly.
type Registry interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	// GetByStorageKey returns the document that owns key.
	GetByStorageKey(ctx context.Context, key string) (models.Document, error)
	ListDocuments(ctx context.Context, f ListFilter) ([]models.Document, error)
	// StorageKeys returns every registered storage key.
	StorageKeys(ctx context.Context) ([]string, error)
	Rename(ctx context.Context, id, name string) (models.Document, error)
	SetWorkerTaskID(ctx context.Context, id, taskID string) error

	// MarkQueued moves UPLOADED, FAILED or DONE to PENDING. Leaving DONE
	// clears embeddings_stored; the last error_message is kept until MarkDone.
	MarkQueued(ctx context.Context, id string) (models.Document, error)
	// MarkProcessing moves PENDING to PROCESSING, stamps processing_started_at
	// and increments processing_attempts.
	MarkProcessing(ctx context.Context, id, taskID string, at time.Time) (models.Document, error)
	// MarkDone moves PROCESSING to DONE, sets embeddings_stored and
	// processed_at and clears error_message in one write.
	MarkDone(ctx context.Context, id string, at time.Time) (models.Document, error)
	// MarkFailed moves PROCESSING to FAILED and records message.
	MarkFailed(ctx context.Context, id, message string) (models.Document, error)

	// DeleteDocument removes the document together with its chunks and events.
	DeleteDocument(ctx context.Context, id string) error

	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)

	AppendEvent(ctx context.Context, ev models.IngestionEvent) error
	// ListEvents returns newest events first; a nil documentID lists all events.
	ListEvents(ctx context.Context, documentID *string, limit int) ([]models.IngestionEvent, error)

	// InTx runs fn atomically. Calls on the Registry passed to fn join the
	// transaction; nested InTx calls are flattened.
	InTx(ctx context.Context, fn func(Registry) error) error
}

func statusStrings(sts []models.Status) []string {
	out := make([]string, len(sts))
	for i, s := range sts {
		out[i] = string(s)
	}
	return out
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
