package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"pdf-ingest/internal/blob"
)

// Backend stores blobs in a Google Cloud Storage bucket.
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// New builds a client from application default credentials.
// STORAGE_EMULATOR_HOST is honoured by the client library.
func New(ctx context.Context, bucket string) (*Backend, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Backend{client: client, bucket: client.Bucket(bucket)}, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// Save writes only if the object does not exist yet. The object becomes
// visible when the writer is closed, so a failed copy leaves nothing behind.
func (b *Backend) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	w := b.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/pdf"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("%w: %s", blob.ErrExists, key)
		}
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return key, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.bucket.Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return blob.ErrNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *Backend) SizeOf(ctx context.Context, key string) (int64, error) {
	attrs, err := b.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, blob.ErrNotFound
		}
		return 0, fmt.Errorf("object attrs: %w", err)
	}
	return attrs.Size, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]blob.Entry, error) {
	p := strings.Trim(prefix, "/")
	if p != "" {
		p += "/"
	}
	var out []blob.Entry
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: p, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if attrs.Prefix != "" {
			dir := strings.TrimSuffix(attrs.Prefix, "/")
			out = append(out, blob.Entry{Name: blob.BaseName(dir), Key: dir})
			continue
		}
		if attrs.Name == p {
			continue
		}
		out = append(out, blob.Entry{
			Name:   strings.TrimPrefix(attrs.Name, p),
			Key:    attrs.Name,
			Size:   attrs.Size,
			IsFile: true,
		})
	}
	return out, nil
}
