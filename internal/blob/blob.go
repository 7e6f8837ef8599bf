// Package blob defines the storage backend contract for uploaded PDFs.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned by Save when the key is already taken.
	ErrExists = errors.New("object already exists")
)

// Entry is one item directly under a listed prefix.
type Entry struct {
	Name   string // base name, relative to the prefix
	Key    string // full key usable with SizeOf/Delete
	Size   int64
	IsFile bool
}

// Store is a blob store addressable by a relative path key.
type Store interface {
	// Save writes r under key. Either the whole object exists afterwards or
	// nothing does. An existing key is never overwritten and reports
	// ErrExists. It returns the key actually written.
	Save(ctx context.Context, key string, r io.Reader) (string, error)

	// Delete removes key. Missing keys report ErrNotFound.
	Delete(ctx context.Context, key string) error

	// SizeOf returns the current byte length of key.
	SizeOf(ctx context.Context, key string) (int64, error)

	// List returns the entries directly under prefix, directories included.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// NewKey builds a collision-resistant key for an uploaded file name under prefix.
func NewKey(prefix, fileName string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return JoinKey(prefix, token+"_"+SanitizeName(fileName))
}

// JoinKey joins a prefix and a base name with exactly one separator.
func JoinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// BaseName returns the last path element of key.
func BaseName(key string) string {
	return path.Base(strings.ReplaceAll(key, "\\", "/"))
}

// SanitizeName reduces a user-supplied file name to a safe single path element.
func SanitizeName(name string) string {
	name = BaseName(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file.pdf"
	}
	return out
}
