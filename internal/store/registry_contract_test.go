package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-ingest/internal/models"
)

// runRegistryContract exercises behaviour every Registry implementation shares.
func runRegistryContract(t *testing.T, newRegistry func(t *testing.T) Registry) {
	t.Run("create and get", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		doc := &models.Document{OriginalName: "a.pdf", StorageKey: "uploads/a.pdf", Size: 3}
		require.NoError(t, reg.CreateDocument(ctx, doc))
		require.NotEmpty(t, doc.ID)

		got, err := reg.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusUploaded, got.Status)
		assert.Equal(t, int64(3), got.Size)
		assert.Zero(t, got.ProcessingAttempts)
		assert.False(t, got.EmbeddingsStored)
		assert.Nil(t, got.WorkerTaskID)

		_, err = reg.GetDocument(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)

		byKey, err := reg.GetByStorageKey(ctx, "uploads/a.pdf")
		require.NoError(t, err)
		assert.Equal(t, doc.ID, byKey.ID)
		_, err = reg.GetByStorageKey(ctx, "uploads/missing.pdf")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate storage key", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		require.NoError(t, reg.CreateDocument(ctx, &models.Document{OriginalName: "a.pdf", StorageKey: "uploads/a.pdf"}))
		err := reg.CreateDocument(ctx, &models.Document{OriginalName: "a.pdf", StorageKey: "uploads/a.pdf"})
		assert.ErrorIs(t, err, ErrDuplicateStorageKey)
	})

	t.Run("full lifecycle", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		doc := &models.Document{OriginalName: "a.pdf", StorageKey: "uploads/a.pdf", Size: 1}
		require.NoError(t, reg.CreateDocument(ctx, doc))

		got, err := reg.MarkQueued(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)

		started := time.Now().UTC().Truncate(time.Millisecond)
		got, err = reg.MarkProcessing(ctx, doc.ID, "task-1", started)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, 1, got.ProcessingAttempts)
		require.NotNil(t, got.ProcessingStartedAt)
		assert.True(t, got.ProcessingStartedAt.Equal(started))
		require.NotNil(t, got.WorkerTaskID)
		assert.Equal(t, "task-1", *got.WorkerTaskID)

		got, err = reg.MarkDone(ctx, doc.ID, started.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, models.StatusDone, got.Status)
		assert.True(t, got.EmbeddingsStored)
		assert.Nil(t, got.ErrorMessage)
		require.NotNil(t, got.ProcessedAt)
		assert.True(t, got.Consistent())

		// Explicit re-ingestion leaves DONE and clears the embeddings flag.
		got, err = reg.MarkQueued(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.False(t, got.EmbeddingsStored)
	})

	t.Run("failure then retry", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		doc := &models.Document{OriginalName: "b.pdf", StorageKey: "uploads/b.pdf"}
		require.NoError(t, reg.CreateDocument(ctx, doc))
		_, err := reg.MarkQueued(ctx, doc.ID)
		require.NoError(t, err)
		_, err = reg.MarkProcessing(ctx, doc.ID, "", time.Now())
		require.NoError(t, err)

		got, err := reg.MarkFailed(ctx, doc.ID, "boom")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "boom", *got.ErrorMessage)
		assert.True(t, got.Consistent())

		got, err = reg.MarkQueued(ctx, doc.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ErrorMessage, "last failure stays visible while the retry waits")
		assert.Equal(t, "boom", *got.ErrorMessage)
		got, err = reg.MarkProcessing(ctx, doc.ID, "", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, got.ProcessingAttempts)
		require.NotNil(t, got.ErrorMessage)

		got, err = reg.MarkDone(ctx, doc.ID, time.Now())
		require.NoError(t, err)
		assert.Nil(t, got.ErrorMessage)
		assert.True(t, got.Consistent())
	})

	t.Run("illegal transitions conflict", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		doc := &models.Document{OriginalName: "c.pdf", StorageKey: "uploads/c.pdf"}
		require.NoError(t, reg.CreateDocument(ctx, doc))

		_, err := reg.MarkProcessing(ctx, doc.ID, "", time.Now())
		assert.ErrorIs(t, err, ErrStatusConflict)
		_, err = reg.MarkDone(ctx, doc.ID, time.Now())
		assert.ErrorIs(t, err, ErrStatusConflict)
		_, err = reg.MarkFailed(ctx, doc.ID, "x")
		assert.ErrorIs(t, err, ErrStatusConflict)

		_, err = reg.MarkDone(ctx, "missing", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := reg.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusUploaded, got.Status)
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		doc := &models.Document{OriginalName: "d.pdf", StorageKey: "uploads/d.pdf"}
		require.NoError(t, reg.CreateDocument(ctx, doc))
		_, err := reg.MarkQueued(ctx, doc.ID)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   int
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := reg.MarkProcessing(ctx, doc.ID, "", time.Now())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, ErrStatusConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("list filters and ordering", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
		var ids []string
		for i, name := range []string{"old.pdf", "mid.pdf", "new.pdf"} {
			doc := &models.Document{OriginalName: name, StorageKey: "uploads/" + name, UploadedAt: base.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, reg.CreateDocument(ctx, doc))
			ids = append(ids, doc.ID)
		}
		require.NoError(t, reg.SetWorkerTaskID(ctx, ids[1], "t-1"))
		_, err := reg.MarkQueued(ctx, ids[0])
		require.NoError(t, err)
		_, err = reg.MarkProcessing(ctx, ids[0], "", base)
		require.NoError(t, err)

		all, err := reg.ListDocuments(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "new.pdf", all[0].OriginalName)
		assert.Equal(t, "old.pdf", all[2].OriginalName)

		uploaded := models.StatusUploaded
		unqueued, err := reg.ListDocuments(ctx, ListFilter{Status: &uploaded, Unqueued: true})
		require.NoError(t, err)
		require.Len(t, unqueued, 1)
		assert.Equal(t, ids[2], unqueued[0].ID)

		cutoff := base.Add(time.Minute)
		stuck, err := reg.ListDocuments(ctx, ListFilter{StartedBefore: &cutoff})
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, ids[0], stuck[0].ID)

		limited, err := reg.ListDocuments(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		keys, err := reg.StorageKeys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"uploads/old.pdf", "uploads/mid.pdf", "uploads/new.pdf"}, keys)
	})

	t.Run("rename and delete cascade", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		doc := &models.Document{OriginalName: "e.pdf", StorageKey: "uploads/e.pdf"}
		require.NoError(t, reg.CreateDocument(ctx, doc))

		got, err := reg.Rename(ctx, doc.ID, "renamed.pdf")
		require.NoError(t, err)
		assert.Equal(t, "renamed.pdf", got.OriginalName)
		assert.Equal(t, "uploads/e.pdf", got.StorageKey)
		_, err = reg.Rename(ctx, "missing", "x.pdf")
		assert.ErrorIs(t, err, ErrNotFound)

		page := 1
		require.NoError(t, reg.ReplaceChunks(ctx, doc.ID, []models.Chunk{
			{ChunkID: models.ChunkID(doc.ID, 1, 0), Text: "hello", PageNo: &page},
		}))
		require.NoError(t, reg.AppendEvent(ctx, models.DocumentEvent(doc.ID, models.LevelInfo, "detected", map[string]any{"size": 1})))
		require.NoError(t, reg.AppendEvent(ctx, models.SystemEvent(models.LevelInfo, "scan finished", nil)))

		chunks, err := reg.ListChunks(ctx, doc.ID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, doc.ID, chunks[0].DocumentID)

		events, err := reg.ListEvents(ctx, &doc.ID, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "detected", events[0].Message)

		require.NoError(t, reg.DeleteDocument(ctx, doc.ID))
		assert.ErrorIs(t, reg.DeleteDocument(ctx, doc.ID), ErrNotFound)

		chunks, err = reg.ListChunks(ctx, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, chunks)
		all, err := reg.ListEvents(ctx, nil, 10)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Nil(t, all[0].DocumentID)
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		reg := newRegistry(t)
		ctx := context.Background()
		sentinel := errors.New("abort")
		err := reg.InTx(ctx, func(tx Registry) error {
			doc := &models.Document{OriginalName: "f.pdf", StorageKey: "uploads/f.pdf"}
			if err := tx.CreateDocument(ctx, doc); err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, models.DocumentEvent(doc.ID, models.LevelInfo, "detected", nil)); err != nil {
				return err
			}
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		keys, err := reg.StorageKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		err = reg.InTx(ctx, func(tx Registry) error {
			return tx.CreateDocument(ctx, &models.Document{OriginalName: "g.pdf", StorageKey: "uploads/g.pdf"})
		})
		require.NoError(t, err)
		keys, err = reg.StorageKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"uploads/g.pdf"}, keys)
	})
}
