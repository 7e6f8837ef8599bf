package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pdf-ingest/internal/blob"
)

// Backend stores blobs as files below a base directory.
type Backend struct {
	baseDir string
}

// New creates the base directory if needed.
func New(baseDir string) (*Backend, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Backend{baseDir: baseDir}, nil
}

func (b *Backend) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.baseDir, clean), nil
}

// Save writes to a sibling .part file and hard-links it into place, so a
// reader never observes a partially written key and an existing key is
// never replaced.
func (b *Backend) Save(_ context.Context, key string, r io.Reader) (string, error) {
	dst, err := b.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close file: %w", err)
	}
	defer os.Remove(tmpName)
	if err := os.Link(tmpName, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", blob.ErrExists, key)
		}
		return "", fmt.Errorf("link into place: %w", err)
	}
	return key, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return blob.ErrNotFound
		}
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (b *Backend) SizeOf(_ context.Context, key string) (int64, error) {
	p, err := b.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, blob.ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", key)
	}
	return info.Size(), nil
}

// List reads the directory for prefix. A missing directory is an empty listing.
func (b *Backend) List(_ context.Context, prefix string) ([]blob.Entry, error) {
	dir := b.baseDir
	if p := strings.Trim(prefix, "/"); p != "" {
		var err error
		if dir, err = b.path(p); err != nil {
			return nil, err
		}
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make([]blob.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := blob.Entry{
			Name:   de.Name(),
			Key:    blob.JoinKey(prefix, de.Name()),
			IsFile: de.Type().IsRegular(),
		}
		if e.IsFile {
			if info, err := de.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out = append(out, e)
	}
	return out, nil
}
