package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-ingest/internal/blob/memory"
	"pdf-ingest/internal/dispatch"
	"pdf-ingest/internal/scan"
	"pdf-ingest/internal/store"
)

type fakeQueue struct {
	mu    sync.Mutex
	err   error
	tasks []string
}

func (q *fakeQueue) Submit(context.Context, string, any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	id := fmt.Sprintf("task-%d", len(q.tasks)+1)
	q.tasks = append(q.tasks, id)
	return id, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

type fixture struct {
	reg    *store.Memory
	blobs  *memory.Backend
	queue  *fakeQueue
	router http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{reg: store.NewMemory(), blobs: memory.New(), queue: &fakeQueue{}}
	disp := dispatch.New(f.reg, f.blobs, f.queue, nil, dispatch.Options{MaxUploadBytes: 1024})
	scanner := scan.New(f.reg, f.blobs, nil, "uploads/")
	f.router = New(disp, scanner, nil, nil, opts).Router()
	return f
}

func uploadRequest(t *testing.T, name, contentType string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload-pdf", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func (f *fixture) upload(t *testing.T, name string) string {
	t.Helper()
	rec, body := do(t, f.router, uploadRequest(t, name, "application/pdf", []byte("%PDF-1.4")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func TestUploadPDF(t *testing.T) {
	f := newFixture(t, Options{})
	rec, body := do(t, f.router, uploadRequest(t, "report.pdf", "application/pdf", []byte("%PDF-1.4 body")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "report.pdf", body["original_name"])
	assert.Equal(t, "UPLOADED", body["status_field"])
	assert.Equal(t, true, body["queued"])
	assert.EqualValues(t, 13, body["size"])
	assert.True(t, strings.HasPrefix(body["file_url"].(string), "/media/uploads/"))
	assert.Len(t, f.queue.tasks, 1)
	assert.Equal(t, 1, f.blobs.Len())
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode int
		wantKind string
	}{
		{
			name:     "not a pdf",
			req:      func(t *testing.T) *http.Request { return uploadRequest(t, "notes.txt", "text/plain", []byte("hi")) },
			wantCode: http.StatusBadRequest,
			wantKind: "validation",
		},
		{
			name:     "too large",
			req:      func(t *testing.T) *http.Request { return uploadRequest(t, "big.pdf", "application/pdf", make([]byte, 2048)) },
			wantCode: http.StatusRequestEntityTooLarge,
			wantKind: "too_large",
		},
		{
			name: "missing file field",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/upload-pdf", strings.NewReader(""))
			},
			wantCode: http.StatusBadRequest,
			wantKind: "validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			rec, body := do(t, f.router, tt.req(t))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tt.wantKind, body["kind"])
			assert.Equal(t, 0, f.blobs.Len())
			keys, _ := f.reg.StorageKeys(context.Background())
			assert.Empty(t, keys)
		})
	}
}

func TestUploadQueueUnavailableStillSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue.err = errors.New("redis down")

	rec, body := do(t, f.router, uploadRequest(t, "report.pdf", "application/pdf", []byte("%PDF")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["queued"])
	assert.Equal(t, "UPLOADED", body["status_field"])

	f.queue.err = nil
	rec, body = do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/submit-pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["submitted"])
}

func TestUploadRateLimited(t *testing.T) {
	reg := store.NewMemory()
	blobs := memory.New()
	disp := dispatch.New(reg, blobs, &fakeQueue{}, nil, dispatch.Options{})
	router := New(disp, scan.New(reg, blobs, nil, ""), denyAll{}, nil, Options{}).Router()

	rec, body := do(t, router, uploadRequest(t, "report.pdf", "application/pdf", []byte("%PDF")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["kind"])
	assert.Equal(t, 0, blobs.Len())
}

func TestListAndDetails(t *testing.T) {
	f := newFixture(t, Options{MediaURL: "https://cdn.example.com/files"})
	first := f.upload(t, "a.pdf")
	f.upload(t, "b.pdf")
	_, err := f.reg.MarkQueued(context.Background(), first)
	require.NoError(t, err)

	rec, body := do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/list-uploads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["files"], 2)

	rec, body = do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/list-uploads?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	files := body["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, first, files[0].(map[string]any)["id"])

	rec, _ = do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/list-uploads?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/file/"+first+"/details", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a.pdf", body["display_name"])
	assert.Equal(t, "PENDING", body["status_field"])
	assert.True(t, strings.HasPrefix(body["file_url"].(string), "https://cdn.example.com/files/uploads/"))

	rec, body = do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/file/missing/details", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["kind"])
}

func TestRenameDeleteAndEvents(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.upload(t, "draft.pdf")

	rename := func(body string) (*httptest.ResponseRecorder, map[string]any) {
		return do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/file/"+id+"/rename", strings.NewReader(body)))
	}
	rec, _ := rename("{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = rename(`{"new_name":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, body := rename(`{"new_name":"final.pdf"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "final.pdf", body["display_name"])

	rec, body = do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/file/"+id+"/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, "renamed", events[0].(map[string]any)["message"])

	rec, _ = do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/file/"+id+"/delete", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.blobs.Len())

	rec, _ = do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/file/"+id+"/delete", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResubmit(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.upload(t, "report.pdf")

	rec, body := do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/file/"+id+"/resubmit", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "task-2", body["worker_task_id"])

	_, err := f.reg.MarkQueued(context.Background(), id)
	require.NoError(t, err)
	rec, body = do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/file/"+id+"/resubmit", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", body["kind"])
}

func TestScanEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.blobs.Save(context.Background(), "uploads/orphan.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)

	rec, body := do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/scan?dry_run=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	report := body["report"].(map[string]any)
	assert.EqualValues(t, 1, report["created"])
	assert.Equal(t, true, report["dry_run"])
	keys, _ := f.reg.StorageKeys(context.Background())
	assert.Empty(t, keys)

	rec, body = do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/scan", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["report"].(map[string]any)["created"])

	rec, body = do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/submit-pending?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["submitted"])
}

func TestScanEndpointRejectsBadDryRun(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.blobs.Save(context.Background(), "uploads/orphan.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)

	rec, body := do(t, f.router, httptest.NewRequest(http.MethodPost, "/api/scan?dry_run=yes", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["kind"])
	keys, _ := f.reg.StorageKeys(context.Background())
	assert.Empty(t, keys, "an unparseable flag must not run a real scan")
}

func TestStuckEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	rec, body := do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/stuck?older_than=1m", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["files"])

	rec, _ = do(t, f.router, httptest.NewRequest(http.MethodGet, "/api/stuck?older_than=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	rec, body := do(t, f.router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	f = newFixture(t, Options{Ready: func(context.Context) error { return errors.New("postgres down") }})
	rec, _ = do(t, f.router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor("queue_unavailable"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("storage"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor("too_large"))
}

func TestMediaServesStoredFiles(t *testing.T) {
	media := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	})
	f := newFixture(t, Options{Media: media})
	rec, body := do(t, f.router, httptest.NewRequest(http.MethodGet, "/media/uploads/a.pdf", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "uploads/a.pdf", body["path"])
}
