package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"pdf-ingest/internal/dispatch"
	"pdf-ingest/internal/errs"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/models"
	"pdf-ingest/internal/ratelimit"
	"pdf-ingest/internal/scan"
	"pdf-ingest/internal/store"
	"pdf-ingest/internal/telemetry"
)

// multipartOverhead is allowed on top of the file limit for form boundaries and headers.
const multipartOverhead = 1 << 20

// Options tune the HTTP surface.
type Options struct {
	// MediaURL prefixes storage keys to build file_url values.
	MediaURL string
	// StuckAfter is the default age for GET /api/stuck.
	StuckAfter time.Duration
	// Ready is called by /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	// Media serves stored files below /media/ when set.
	Media http.Handler
}

// Server wires HTTP handlers for the ingestion API.
type Server struct {
	disp    *dispatch.Dispatcher
	scanner *scan.Reconciler
	limiter ratelimit.Allower
	log     *logger.Logger
	opts    Options
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(disp *dispatch.Dispatcher, scanner *scan.Reconciler, limiter ratelimit.Allower, log *logger.Logger, opts Options) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if opts.MediaURL == "" {
		opts.MediaURL = "/media/"
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 15 * time.Minute
	}
	return &Server{
		disp:    disp,
		scanner: scanner,
		limiter: limiter,
		log:     log.With("component", "api"),
		opts:    opts,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	if s.opts.Media != nil {
		r.Handle("/media/*", http.StripPrefix("/media/", s.opts.Media))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload-pdf", s.handleUpload)
		r.Get("/list-uploads", s.handleList)
		r.Get("/stuck", s.handleStuck)
		r.Post("/scan", s.handleScan)
		r.Post("/submit-pending", s.handleSubmitPending)
		r.Route("/file/{id}", func(r chi.Router) {
			r.Get("/details", s.handleDetails)
			r.Get("/events", s.handleEvents)
			r.Post("/delete", s.handleDelete)
			r.Post("/rename", s.handleRename)
			r.Post("/resubmit", s.handleResubmit)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.log.Warn("Health check failed", "error", err)
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable"})
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	Status       string        `json:"status"`
	Message      string        `json:"message"`
	ID           string        `json:"id"`
	OriginalName string        `json:"original_name"`
	FileURL      string        `json:"file_url"`
	Size         int64         `json:"size"`
	StatusField  models.Status `json:"status_field"`
	Queued       bool          `json:"queued"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	limit := s.disp.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			s.writeError(w, r, errs.TooLarge(limit))
		default:
			s.writeError(w, r, errs.Validation("no file provided"))
		}
		return
	}
	defer file.Close()

	res, err := s.disp.SubmitUpload(r.Context(), dispatch.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg := "File uploaded successfully"
	if !res.Queued {
		msg = "File uploaded; ingestion will be retried"
	}
	doc := res.Document
	render.JSON(w, r, uploadResponse{
		Status:       "ok",
		Message:      msg,
		ID:           doc.ID,
		OriginalName: doc.OriginalName,
		FileURL:      s.fileURL(doc),
		Size:         doc.Size,
		StatusField:  doc.Status,
		Queued:       res.Queued,
	})
}

type fileItem struct {
	ID               string        `json:"id"`
	DisplayName      string        `json:"display_name"`
	FileURL          string        `json:"file_url"`
	Size             int64         `json:"size"`
	Status           models.Status `json:"status"`
	EmbeddingsStored bool          `json:"embeddings_stored"`
	UploadedAt       time.Time     `json:"uploaded_at"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var f store.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseStatus(strings.ToUpper(v))
		if err != nil {
			s.writeError(w, r, errs.Validation("unknown status "+v))
			return
		}
		f.Status = &st
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	docs, err := s.disp.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]fileItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, fileItem{
			ID:               d.ID,
			DisplayName:      d.OriginalName,
			FileURL:          s.fileURL(d),
			Size:             d.Size,
			Status:           d.Status,
			EmbeddingsStored: d.EmbeddingsStored,
			UploadedAt:       d.UploadedAt,
		})
	}
	render.JSON(w, r, map[string]any{"status": "ok", "files": items})
}

type detailsResponse struct {
	Status              string        `json:"status"`
	ID                  string        `json:"id"`
	DisplayName         string        `json:"display_name"`
	FileURL             string        `json:"file_url"`
	Size                int64         `json:"size"`
	StatusField         models.Status `json:"status_field"`
	EmbeddingsStored    bool          `json:"embeddings_stored"`
	UploadedAt          time.Time     `json:"uploaded_at"`
	DetectedAt          *time.Time    `json:"detected_at,omitempty"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time    `json:"processed_at,omitempty"`
	ProcessingAttempts  int           `json:"processing_attempts"`
	ErrorMessage        *string       `json:"error_message,omitempty"`
	WorkerTaskID        *string       `json:"worker_task_id,omitempty"`
}

func (s *Server) details(d models.Document) detailsResponse {
	return detailsResponse{
		Status:              "ok",
		ID:                  d.ID,
		DisplayName:         d.OriginalName,
		FileURL:             s.fileURL(d),
		Size:                d.Size,
		StatusField:         d.Status,
		EmbeddingsStored:    d.EmbeddingsStored,
		UploadedAt:          d.UploadedAt,
		DetectedAt:          d.DetectedAt,
		ProcessingStartedAt: d.ProcessingStartedAt,
		ProcessedAt:         d.ProcessedAt,
		ProcessingAttempts:  d.ProcessingAttempts,
		ErrorMessage:        d.ErrorMessage,
		WorkerTaskID:        d.WorkerTaskID,
	}
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	doc, err := s.disp.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, s.details(doc))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.disp.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"status": "ok", "events": events})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok", "message": "File deleted"})
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errs.Validation("invalid JSON"))
		return
	}
	doc, err := s.disp.Rename(r.Context(), chi.URLParam(r, "id"), req.NewName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok", "message": "Renamed", "display_name": doc.OriginalName})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	doc, err := s.disp.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, s.details(doc))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	dryRun, err := boolParam(r, "dry_run")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.scanner.ScanOnce(r.Context(), dryRun)
	if err != nil {
		s.writeError(w, r, errs.Internal("scan failed", err))
		return
	}
	render.JSON(w, r, map[string]any{"status": "ok", "report": rep})
}

func (s *Server) handleSubmitPending(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.disp.SubmitPending(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"status": "ok", "submitted": n})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	olderThan := s.opts.StuckAfter
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, errs.Validation("older_than must be a positive duration"))
			return
		}
		olderThan = d
	}
	docs, err := s.disp.Stuck(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"status": "ok", "files": docs})
}

// allow applies the upload rate limit. A limiter error lets the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.ClientKey(r))
	if err != nil {
		s.log.Warn("Rate limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, errorBody{Status: "error", Kind: "rate_limited", Message: "rate limited"})
		return false
	}
	return true
}

func (s *Server) fileURL(d models.Document) string {
	return strings.TrimSuffix(s.opts.MediaURL, "/") + "/" + strings.TrimPrefix(d.StorageKey, "/")
}

type errorBody struct {
	Status  string    `json:"status"`
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	code := statusFor(kind)
	msg := errs.Message(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
		if kind == errs.KindInternal || kind == errs.KindStorage {
			msg = "internal error"
		}
	}
	render.Status(r, code)
	render.JSON(w, r, errorBody{Status: "error", Kind: kind, Message: msg})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.Validation(name + " must be true or false")
	}
	return b, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.Validation(name + " must be a non-negative integer")
	}
	return n, nil
}
