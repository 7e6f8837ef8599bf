package models

import (
	"time"
)

// EventLevel is the severity of an ingestion audit event.
type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelError EventLevel = "ERROR"
	LevelDebug EventLevel = "DEBUG"
)

// IngestionEvent is an append-only audit row. DocumentID is nil for
// system-level events such as scan summaries.
type IngestionEvent struct {
	ID         int64          `json:"id"`
	DocumentID *string        `json:"document_id,omitempty"`
	EventTime  time.Time      `json:"event_time"`
	Level      EventLevel     `json:"level"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DocumentEvent builds an event bound to a document.
func DocumentEvent(documentID string, level EventLevel, message string, metadata map[string]any) IngestionEvent {
	id := documentID
	return IngestionEvent{DocumentID: &id, Level: level, Message: message, Metadata: metadata}
}

// SystemEvent builds an event not bound to any document.
func SystemEvent(level EventLevel, message string, metadata map[string]any) IngestionEvent {
	return IngestionEvent{Level: level, Message: message, Metadata: metadata}
}
