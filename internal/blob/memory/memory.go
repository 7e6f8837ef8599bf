package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"pdf-ingest/internal/blob"
)

// Backend keeps blobs in a map. Keys containing a further "/" below a listed
// prefix show up as directory entries.
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func New() *Backend {
	return &Backend{objects: make(map[string][]byte)}
}

func (b *Backend) Save(_ context.Context, key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; ok {
		return "", fmt.Errorf("%w: %s", blob.ErrExists, key)
	}
	b.objects[key] = data
	return key, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return blob.ErrNotFound
	}
	delete(b.objects, key)
	return nil
}

func (b *Backend) SizeOf(_ context.Context, key string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return 0, blob.ErrNotFound
	}
	return int64(len(data)), nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]blob.Entry, error) {
	p := strings.Trim(prefix, "/")
	if p != "" {
		p += "/"
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	seenDirs := map[string]bool{}
	var out []blob.Entry
	for key, data := range b.objects {
		if !strings.HasPrefix(key, p) {
			continue
		}
		rest := strings.TrimPrefix(key, p)
		if i := strings.Index(rest, "/"); i >= 0 {
			dir := rest[:i]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				out = append(out, blob.Entry{Name: dir, Key: p + dir})
			}
			continue
		}
		out = append(out, blob.Entry{Name: rest, Key: key, Size: int64(len(data)), IsFile: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Has reports whether key exists.
func (b *Backend) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
