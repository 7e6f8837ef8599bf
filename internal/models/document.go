package models

import (
	"time"
)

// Document is a registered PDF and its ingestion state, persisted in Postgres.
type Document struct {
	ID                  string     `json:"id"`
	OriginalName        string     `json:"original_name"`
	StorageKey          string     `json:"storage_key"`
	Size                int64      `json:"size"`
	Status              Status     `json:"status"`
	UploadedAt          time.Time  `json:"uploaded_at"`
	DetectedAt          *time.Time `json:"detected_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	ProcessingAttempts  int        `json:"processing_attempts"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	EmbeddingsStored    bool       `json:"embeddings_stored"`
	WorkerTaskID        *string    `json:"worker_task_id,omitempty"`
}

// Consistent reports whether the status-dependent fields agree with Status.
// DONE requires stored embeddings and no error; FAILED requires an error.
func (d Document) Consistent() bool {
	switch d.Status {
	case StatusDone:
		return d.EmbeddingsStored && d.ErrorMessage == nil
	case StatusFailed:
		return d.ErrorMessage != nil && !d.EmbeddingsStored
	case StatusUploaded, StatusPending, StatusProcessing:
		return !d.EmbeddingsStored
	default:
		return false
	}
}

// Queued reports whether a worker task has ever been submitted for the document.
func (d Document) Queued() bool {
	return d.WorkerTaskID != nil && *d.WorkerTaskID != ""
}
