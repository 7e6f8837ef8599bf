package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdf-ingest/internal/models"
)

type memState struct {
	docs   map[string]models.Document
	chunks map[string][]models.Chunk
	events []models.IngestionEvent
	nextEv int64
}

func (st *memState) clone() *memState {
	cp := &memState{
		docs:   make(map[string]models.Document, len(st.docs)),
		chunks: make(map[string][]models.Chunk, len(st.chunks)),
		events: append([]models.IngestionEvent(nil), st.events...),
		nextEv: st.nextEv,
	}
	for k, v := range st.docs {
		cp.docs[k] = v
	}
	for k, v := range st.chunks {
		cp.chunks[k] = append([]models.Chunk(nil), v...)
	}
	return cp
}

// Memory is an in-process Registry used for local runs and tests. InTx holds
// the lock for the whole callback and restores a snapshot when it fails.
type Memory struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

func NewMemory() *Memory {
	return &Memory{
		mu: &sync.Mutex{},
		st: &memState{docs: map[string]models.Document{}, chunks: map[string][]models.Chunk{}},
	}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) InTx(ctx context.Context, fn func(Registry) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&Memory{mu: m.mu, st: m.st, inTx: true}); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

func (m *Memory) CreateDocument(_ context.Context, doc *models.Document) error {
	defer m.lock()()
	for _, d := range m.st.docs {
		if d.StorageKey == doc.StorageKey {
			return fmt.Errorf("%w: %s", ErrDuplicateStorageKey, doc.StorageKey)
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = models.StatusUploaded
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	if _, exists := m.st.docs[doc.ID]; exists {
		return fmt.Errorf("insert document: duplicate id %s", doc.ID)
	}
	stored := *doc
	stored.ProcessingAttempts = 0
	stored.EmbeddingsStored = false
	m.st.docs[doc.ID] = stored
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (models.Document, error) {
	defer m.lock()()
	doc, ok := m.st.docs[id]
	if !ok {
		return models.Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) GetByStorageKey(_ context.Context, key string) (models.Document, error) {
	defer m.lock()()
	for _, d := range m.st.docs {
		if d.StorageKey == key {
			return d, nil
		}
	}
	return models.Document{}, ErrNotFound
}

func (m *Memory) ListDocuments(_ context.Context, f ListFilter) ([]models.Document, error) {
	defer m.lock()()
	out := make([]models.Document, 0, len(m.st.docs))
	for _, d := range m.st.docs {
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if f.Unqueued && d.WorkerTaskID != nil {
			continue
		}
		if f.StartedBefore != nil && (d.ProcessingStartedAt == nil || !d.ProcessingStartedAt.Before(*f.StartedBefore)) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) StorageKeys(_ context.Context) ([]string, error) {
	defer m.lock()()
	keys := make([]string, 0, len(m.st.docs))
	for _, d := range m.st.docs {
		keys = append(keys, d.StorageKey)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Rename(_ context.Context, id, name string) (models.Document, error) {
	defer m.lock()()
	doc, ok := m.st.docs[id]
	if !ok {
		return models.Document{}, ErrNotFound
	}
	doc.OriginalName = name
	m.st.docs[id] = doc
	return doc, nil
}

func (m *Memory) SetWorkerTaskID(_ context.Context, id, taskID string) error {
	defer m.lock()()
	doc, ok := m.st.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.WorkerTaskID = emptyToNil(taskID)
	m.st.docs[id] = doc
	return nil
}

func (m *Memory) MarkQueued(_ context.Context, id string) (models.Document, error) {
	return m.transition(id, models.StatusPending, func(d *models.Document) {
		d.EmbeddingsStored = false
	})
}

func (m *Memory) MarkProcessing(_ context.Context, id, taskID string, at time.Time) (models.Document, error) {
	return m.transition(id, models.StatusProcessing, func(d *models.Document) {
		started := at
		d.ProcessingStartedAt = &started
		d.ProcessingAttempts++
		if taskID != "" {
			d.WorkerTaskID = emptyToNil(taskID)
		}
	})
}

func (m *Memory) MarkDone(_ context.Context, id string, at time.Time) (models.Document, error) {
	return m.transition(id, models.StatusDone, func(d *models.Document) {
		processed := at
		d.ProcessedAt = &processed
		d.EmbeddingsStored = true
		d.ErrorMessage = nil
	})
}

func (m *Memory) MarkFailed(_ context.Context, id, message string) (models.Document, error) {
	return m.transition(id, models.StatusFailed, func(d *models.Document) {
		msg := message
		d.ErrorMessage = &msg
		d.EmbeddingsStored = false
	})
}

func (m *Memory) transition(id string, target models.Status, apply func(*models.Document)) (models.Document, error) {
	defer m.lock()()
	doc, ok := m.st.docs[id]
	if !ok {
		return models.Document{}, ErrNotFound
	}
	if !doc.Status.CanTransitionTo(target) {
		return models.Document{}, fmt.Errorf("%w: %s is %s, cannot move to %s", ErrStatusConflict, id, doc.Status, target)
	}
	doc.Status = target
	apply(&doc)
	m.st.docs[id] = doc
	return doc, nil
}

func (m *Memory) DeleteDocument(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.st.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.docs, id)
	delete(m.st.chunks, id)
	kept := m.st.events[:0]
	for _, ev := range m.st.events {
		if ev.DocumentID != nil && *ev.DocumentID == id {
			continue
		}
		kept = append(kept, ev)
	}
	m.st.events = kept
	return nil
}

func (m *Memory) ReplaceChunks(_ context.Context, documentID string, chunks []models.Chunk) error {
	defer m.lock()()
	if _, ok := m.st.docs[documentID]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = documentID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		out[i] = c
	}
	m.st.chunks[documentID] = out
	return nil
}

func (m *Memory) ListChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	defer m.lock()()
	return append([]models.Chunk(nil), m.st.chunks[documentID]...), nil
}

func (m *Memory) AppendEvent(_ context.Context, ev models.IngestionEvent) error {
	defer m.lock()()
	if ev.DocumentID != nil {
		if _, ok := m.st.docs[*ev.DocumentID]; !ok {
			return ErrNotFound
		}
	}
	m.st.nextEv++
	ev.ID = m.st.nextEv
	if ev.Level == "" {
		ev.Level = models.LevelInfo
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	m.st.events = append(m.st.events, ev)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, documentID *string, limit int) ([]models.IngestionEvent, error) {
	defer m.lock()()
	if limit <= 0 {
		limit = 100
	}
	var out []models.IngestionEvent
	for i := len(m.st.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.st.events[i]
		if documentID != nil && (ev.DocumentID == nil || *ev.DocumentID != *documentID) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
