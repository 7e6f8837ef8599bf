// Package errs defines the error kinds surfaced by the ingestion service.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need a stable outcome.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindTooLarge         Kind = "too_large"
	KindNotFound         Kind = "not_found"
	KindStorage          Kind = "storage"
	KindQueueUnavailable Kind = "queue_unavailable"
	KindProcessing       Kind = "processing"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error carries a Kind, a user-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(KindValidation, message, nil)
}

// TooLarge reports an upload that exceeds limit bytes.
func TooLarge(limit int64) *Error {
	return New(KindTooLarge, fmt.Sprintf("file too large (max %d MB)", limit/(1024*1024)), nil)
}

func NotFound(what, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", what, id), nil)
}

// Storage wraps a blob store failure for operation op on key.
func Storage(op, key string, err error) *Error {
	return New(KindStorage, fmt.Sprintf("storage %s failed for %s", op, key), err)
}

func QueueUnavailable(err error) *Error {
	return New(KindQueueUnavailable, "job queue unavailable", err)
}

func Processing(err error) *Error {
	return New(KindProcessing, "ingestion failed", err)
}

func Conflict(message string, err error) *Error {
	return New(KindConflict, message, err)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, message, err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
