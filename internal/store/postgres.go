package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pdf-ingest/internal/models"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the Registry backed by pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
	db   DBTX
	inTx bool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, db: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil && !s.inTx {
		s.pool.Close()
	}
}

// Ping is used by the health endpoint.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) InTx(ctx context.Context, fn func(Registry) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(&Postgres{pool: s.pool, db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const documentColumns = `id, original_name, storage_key, size, status, uploaded_at, detected_at,
	processing_started_at, processed_at, processing_attempts, error_message, embeddings_stored, worker_task_id`

func scanDocument(row pgx.Row) (models.Document, error) {
	var doc models.Document
	var status string
	var errMsg, taskID pgtype.Text
	if err := row.Scan(&doc.ID, &doc.OriginalName, &doc.StorageKey, &doc.Size, &status, &doc.UploadedAt,
		&doc.DetectedAt, &doc.ProcessingStartedAt, &doc.ProcessedAt, &doc.ProcessingAttempts,
		&errMsg, &doc.EmbeddingsStored, &taskID); err != nil {
		return models.Document{}, err
	}
	st, err := models.ParseStatus(status)
	if err != nil {
		return models.Document{}, err
	}
	doc.Status = st
	doc.ErrorMessage = textPtr(errMsg)
	doc.WorkerTaskID = textPtr(taskID)
	return doc, nil
}

// CreateDocument inserts doc, filling in ID, Status and UploadedAt when unset.
func (s *Postgres) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = models.StatusUploaded
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, original_name, storage_key, size, status, uploaded_at, detected_at, processing_attempts, embeddings_stored)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, FALSE)
	`, doc.ID, doc.OriginalName, doc.StorageKey, doc.Size, string(doc.Status), doc.UploadedAt, doc.DetectedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "storage_key") {
			return fmt.Errorf("%w: %s", ErrDuplicateStorageKey, doc.StorageKey)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Postgres) GetDocument(ctx context.Context, id string) (models.Document, error) {
	doc, err := scanDocument(s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, ErrNotFound
		}
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (s *Postgres) GetByStorageKey(ctx context.Context, key string) (models.Document, error) {
	doc, err := scanDocument(s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE storage_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, ErrNotFound
		}
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (s *Postgres) ListDocuments(ctx context.Context, f ListFilter) ([]models.Document, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Unqueued {
		where = append(where, "worker_task_id IS NULL")
	}
	if f.StartedBefore != nil {
		args = append(args, *f.StartedBefore)
		where = append(where, fmt.Sprintf("processing_started_at < $%d", len(args)))
	}
	sql := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY uploaded_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *Postgres) StorageKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT storage_key FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("list storage keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan storage keys: %w", err)
	}
	return keys, nil
}

func (s *Postgres) Rename(ctx context.Context, id, name string) (models.Document, error) {
	doc, err := scanDocument(s.db.QueryRow(ctx, `
		UPDATE documents SET original_name = $2 WHERE id = $1
		RETURNING `+documentColumns, id, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("rename document: %w", err)
	}
	return doc, nil
}

func (s *Postgres) SetWorkerTaskID(ctx context.Context, id, taskID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE documents SET worker_task_id = $2 WHERE id = $1`, id, emptyToNil(taskID))
	if err != nil {
		return fmt.Errorf("set worker task id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) MarkQueued(ctx context.Context, id string) (models.Document, error) {
	return s.transition(ctx, id, models.StatusPending, `
		UPDATE documents
		SET status = $2, embeddings_stored = FALSE
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+documentColumns)
}

func (s *Postgres) MarkProcessing(ctx context.Context, id, taskID string, at time.Time) (models.Document, error) {
	return s.transition(ctx, id, models.StatusProcessing, `
		UPDATE documents
		SET status = $2, processing_started_at = $4, processing_attempts = processing_attempts + 1,
		    worker_task_id = COALESCE($5, worker_task_id)
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+documentColumns, at, emptyToNil(taskID))
}

func (s *Postgres) MarkDone(ctx context.Context, id string, at time.Time) (models.Document, error) {
	return s.transition(ctx, id, models.StatusDone, `
		UPDATE documents
		SET status = $2, embeddings_stored = TRUE, processed_at = $4, error_message = NULL
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+documentColumns, at)
}

func (s *Postgres) MarkFailed(ctx context.Context, id, message string) (models.Document, error) {
	return s.transition(ctx, id, models.StatusFailed, `
		UPDATE documents
		SET status = $2, error_message = $4, embeddings_stored = FALSE
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+documentColumns, message)
}

// transition runs a status UPDATE guarded by the legal predecessors of target.
// $1 is the id, $2 the target status and $3 the predecessor list; extra args
// start at $4.
func (s *Postgres) transition(ctx context.Context, id string, target models.Status, sql string, extra ...any) (models.Document, error) {
	args := append([]any{id, string(target), statusStrings(models.Predecessors(target))}, extra...)
	doc, err := scanDocument(s.db.QueryRow(ctx, sql, args...))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("mark %s: %w", strings.ToLower(string(target)), err)
	}
	current, getErr := s.GetDocument(ctx, id)
	if getErr != nil {
		return models.Document{}, getErr
	}
	return models.Document{}, fmt.Errorf("%w: %s is %s, cannot move to %s", ErrStatusConflict, id, current.Status, target)
}

// DeleteDocument relies on ON DELETE CASCADE for chunks and events.
func (s *Postgres) DeleteDocument(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	return s.InTx(ctx, func(r Registry) error {
		tx := r.(*Postgres)
		if _, err := tx.db.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		for _, c := range chunks {
			created := c.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			if _, err := tx.db.Exec(ctx, `
				INSERT INTO document_chunks (chunk_id, document_id, text, page_no, token_count, embedding_path, vector_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, c.ChunkID, documentID, c.Text, c.PageNo, c.TokenCount, c.EmbeddingPath, c.VectorID, created); err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
			}
		}
		return nil
	})
}

func (s *Postgres) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT chunk_id, document_id, text, page_no, token_count, embedding_path, vector_id, created_at
		FROM document_chunks WHERE document_id = $1
		ORDER BY page_no NULLS LAST, chunk_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var embPath, vecID pgtype.Text
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Text, &c.PageNo, &c.TokenCount, &embPath, &vecID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.EmbeddingPath = textPtr(embPath)
		c.VectorID = textPtr(vecID)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendEvent adds an audit row.
func (s *Postgres) AppendEvent(ctx context.Context, ev models.IngestionEvent) error {
	var meta []byte
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = b
	}
	if ev.Level == "" {
		ev.Level = models.LevelInfo
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO ingestion_events (document_id, event_time, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.DocumentID, ev.EventTime, string(ev.Level), ev.Message, meta)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Postgres) ListEvents(ctx context.Context, documentID *string, limit int) ([]models.IngestionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := `SELECT id, document_id, event_time, level, message, metadata FROM ingestion_events`
	args := []any{limit}
	if documentID != nil {
		sql += ` WHERE document_id = $2`
		args = append(args, *documentID)
	}
	sql += ` ORDER BY event_time DESC, id DESC LIMIT $1`

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.IngestionEvent
	for rows.Next() {
		var ev models.IngestionEvent
		var docID pgtype.Text
		var level string
		var meta []byte
		if err := rows.Scan(&ev.ID, &docID, &ev.EventTime, &level, &ev.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.DocumentID = textPtr(docID)
		ev.Level = models.EventLevel(level)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
