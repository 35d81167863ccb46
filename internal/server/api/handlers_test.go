package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"parcel/internal/server/auth"
	"parcel/internal/server/config"
	"parcel/internal/server/database"
	"parcel/internal/server/jobs"
	"parcel/internal/server/locker"
	"parcel/internal/server/notify"
	"parcel/internal/server/service"
	"parcel/internal/server/storage"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *recordingQueue) Enqueue(ctx context.Context, job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) drain() []jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

type testServer struct {
	e        *echo.Echo
	db       *database.MemoryStore
	issuer   *auth.Issuer
	queue    *recordingQueue
	archives *service.ArchiveBuilder
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, store.EnsureDir())

	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: "http://parcel.test", RateLimitRPS: 1000, RateLimitBurst: 1000},
		Upload: config.UploadConfig{
			MaxUploadSize:  1 << 20,
			MaxExpiryDays:  30,
			ExtendDays:     7,
			ChunkedUploads: true,
			DirectUploads:  true,
		},
	}
	settings := cfg.Settings()

	db := database.NewMemoryStore()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	queue := &recordingQueue{}
	notifier := notify.LogDispatcher{}

	h := NewHandler(
		service.NewUploadService(db, store, locker.NewLocal(), settings),
		service.NewShareService(db, store, queue, notifier, settings),
		service.NewInviteService(db, issuer, notifier, settings, 7*24*time.Hour),
		nil,
		settings,
	)

	ts := &testServer{
		e:        SetupRouter(h, issuer, db, cfg),
		db:       db,
		issuer:   issuer,
		queue:    queue,
		archives: service.NewArchiveBuilder(db, store, locker.NewLocal()),
	}
	ts.token = ts.newToken(t, "owner@example.com")
	return ts
}

func (ts *testServer) newToken(t *testing.T, email string) string {
	t.Helper()
	u := &database.User{Name: email, Email: email}
	require.NoError(t, ts.db.CreateUser(context.Background(), u))
	token, _, err := ts.issuer.Issue(u, 0)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) postJSON(t *testing.T, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return ts.do(req, token)
}

func (ts *testServer) get(path, token string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodGet, path, nil), token)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

// uploadChunked runs the create-session, chunk and finalize calls and
// returns the staged file id.
func (ts *testServer) uploadChunked(t *testing.T, token, name, content string, chunkSize int) int64 {
	t.Helper()
	uploadID := uuid.NewString()
	total := (len(content) + chunkSize - 1) / chunkSize

	rec := ts.postJSON(t, "/api/uploads/create-session", token, map[string]any{
		"upload_id":    uploadID,
		"filename":     name,
		"filesize":     len(content),
		"filetype":     "text/plain",
		"total_chunks": total,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(content))
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		require.NoError(t, w.WriteField("upload_id", uploadID))
		require.NoError(t, w.WriteField("chunk_index", strconv.Itoa(i)))
		part, err := w.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = part.Write([]byte(content[i*chunkSize : end]))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", &body)
		req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
		rec := ts.do(req, token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var progress service.ChunkProgress
		decode(t, rec, &progress)
		assert.Equal(t, i+1, progress.ReceivedChunks)
		assert.Equal(t, i == total-1, progress.IsComplete)
	}

	rec = ts.postJSON(t, "/api/uploads/finalize", token, map[string]string{"upload_id": uploadID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		FileID int64 `json:"file_id"`
		Size   int64 `json:"size"`
	}
	decode(t, rec, &out)
	assert.Equal(t, int64(len(content)), out.Size)
	return out.FileID
}

func (ts *testServer) shareFromChunks(t *testing.T, token string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	if _, ok := body["expiry_date"]; !ok {
		body["expiry_date"] = time.Now().Add(48 * time.Hour).Format(time.RFC3339)
	}
	return ts.postJSON(t, "/api/uploads/create-share-from-chunks", token, body)
}

type formFile struct {
	name, path, content string
}

func (ts *testServer) directShare(t *testing.T, token string, fields map[string]string, files []formFile) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = io.WriteString(part, f.content)
		require.NoError(t, err)
	}
	for _, f := range files {
		require.NoError(t, w.WriteField("paths", f.path))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/shares", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return ts.do(req, token)
}

func TestChunkedShareFlow(t *testing.T) {
	ts := newTestServer(t)

	fileID := ts.uploadChunked(t, ts.token, "notes.txt", "hello chunked world", 5)
	rec := ts.shareFromChunks(t, ts.token, map[string]any{
		"name":      "notes",
		"fileInfo":  []map[string]int64{{"id": fileID}},
		"filePaths": map[string]string{strconv.FormatInt(fileID, 10): "docs"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var share service.ShareView
	decode(t, rec, &share)
	assert.Equal(t, database.ShareReady, share.Status)
	assert.Equal(t, "http://parcel.test/s/"+share.LongID, share.URL)

	t.Run("anonymous read lists files", func(t *testing.T) {
		rec := ts.get("/api/shares/"+share.LongID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var view service.ShareView
		decode(t, rec, &view)
		require.Len(t, view.Files, 1)
		assert.Equal(t, "docs", view.Files[0].Path)
	})

	t.Run("download serves the file", func(t *testing.T) {
		rec := ts.get("/api/shares/"+share.LongID+"/download", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello chunked world", rec.Body.String())
		assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "notes.txt")
	})

	t.Run("staged file cannot be reused", func(t *testing.T) {
		rec := ts.shareFromChunks(t, ts.token, map[string]any{
			"name":     "again",
			"fileInfo": []map[string]int64{{"id": fileID}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestDirectShareArchive(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.directShare(t, ts.token, map[string]string{
		"name":        "photos",
		"expiry_date": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}, []formFile{
		{name: "a.txt", path: "", content: "alpha"},
		{name: "b.txt", path: "sub", content: "beta"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var share service.ShareView
	decode(t, rec, &share)
	assert.Equal(t, database.SharePending, share.Status)
	assert.Equal(t, 2, share.FileCount)

	rec = ts.get("/api/shares/"+share.LongID+"/download", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	queued := ts.queue.drain()
	require.Len(t, queued, 1)
	require.NoError(t, ts.archives.Handle(context.Background(), queued[0]))

	rec = ts.get("/api/shares/"+share.LongID+"/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "photos.zip")
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/uploads/create-session", "/api/shares/prune-expired", "/api/reverse-shares/invite"} {
		rec := ts.postJSON(t, path, "", map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := ts.get("/api/shares", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	t.Run("unknown share", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, ts.get("/api/shares/no-such-share", "").Code)
	})

	t.Run("validation fields", func(t *testing.T) {
		rec := ts.shareFromChunks(t, ts.token, map[string]any{
			"expiry_date": time.Now().Add(-time.Hour).Format(time.RFC3339),
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var body struct {
			Fields map[string]string `json:"fields"`
		}
		decode(t, rec, &body)
		assert.Contains(t, body.Fields, "name")
		assert.Contains(t, body.Fields, "expiry_date")
		assert.Contains(t, body.Fields, "files")
	})

	t.Run("duplicate session", func(t *testing.T) {
		body := map[string]any{"upload_id": "dup", "filename": "a", "filesize": 1, "total_chunks": 1}
		require.Equal(t, http.StatusCreated, ts.postJSON(t, "/api/uploads/create-session", ts.token, body).Code)
		assert.Equal(t, http.StatusConflict, ts.postJSON(t, "/api/uploads/create-session", ts.token, body).Code)
	})

	t.Run("finalize incomplete", func(t *testing.T) {
		body := map[string]any{"upload_id": "partial", "filename": "a", "filesize": 10, "total_chunks": 2}
		require.Equal(t, http.StatusCreated, ts.postJSON(t, "/api/uploads/create-session", ts.token, body).Code)
		rec := ts.postJSON(t, "/api/uploads/finalize", ts.token, map[string]string{"upload_id": "partial"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		body := map[string]any{"upload_id": "big", "filename": "a", "filesize": 2 << 20, "total_chunks": 1}
		assert.Equal(t, http.StatusRequestEntityTooLarge, ts.postJSON(t, "/api/uploads/create-session", ts.token, body).Code)
	})

	t.Run("password protected download", func(t *testing.T) {
		rec := ts.directShare(t, ts.token, map[string]string{
			"name":             "secret",
			"expiry_date":      time.Now().Add(time.Hour).Format(time.RFC3339),
			"password":         "hunter22",
			"password_confirm": "hunter22",
		}, []formFile{{name: "s.txt", content: "classified"}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var share service.ShareView
		decode(t, rec, &share)

		base := "/api/shares/" + share.LongID + "/download"
		assert.Equal(t, http.StatusUnauthorized, ts.get(base, "").Code)
		assert.Equal(t, http.StatusForbidden, ts.get(base+"?password=wrong", "").Code)
		rec = ts.get(base+"?password=hunter22", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "classified", rec.Body.String())
	})

	t.Run("password mismatch", func(t *testing.T) {
		rec := ts.directShare(t, ts.token, map[string]string{
			"name":             "secret",
			"expiry_date":      time.Now().Add(time.Hour).Format(time.RFC3339),
			"password":         "one",
			"password_confirm": "two",
		}, []formFile{{name: "s.txt", content: "x"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unexpected error is logged and hidden", func(t *testing.T) {
		var logs bytes.Buffer
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
		t.Cleanup(func() { slog.SetDefault(prev) })

		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/uploads/finalize", nil), rec)
		c.SetPath("/api/uploads/finalize")

		require.NoError(t, mapServiceError(c, errors.New("disk on fire")))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "disk on fire")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
		assert.Equal(t, "request failed", entry["msg"])
		assert.Equal(t, "ERROR", entry["level"])
		assert.Equal(t, "/api/uploads/finalize", entry["path"])
		assert.Equal(t, "disk on fire", entry["error"])
	})
}

func TestOwnerOperations(t *testing.T) {
	ts := newTestServer(t)
	other := ts.newToken(t, "other@example.com")

	rec := ts.directShare(t, ts.token, map[string]string{
		"name":        "report",
		"expiry_date": time.Now().Add(time.Hour).Format(time.RFC3339),
	}, []formFile{{name: "r.pdf", content: "%PDF"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var share service.ShareView
	decode(t, rec, &share)
	base := fmt.Sprintf("/api/shares/%d", share.ID)

	t.Run("download limit", func(t *testing.T) {
		rec := ts.postJSON(t, base+"/set-download-limit", ts.token, map[string]int{"amount": 1})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		dl := "/api/shares/" + share.LongID + "/download"
		assert.Equal(t, http.StatusOK, ts.get(dl, "").Code)
		assert.Equal(t, http.StatusGone, ts.get(dl, "").Code)

		rec = ts.postJSON(t, base+"/set-download-limit", ts.token, map[string]int{"amount": -1})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, http.StatusOK, ts.get(dl, "").Code)
	})

	t.Run("non-owner is forbidden", func(t *testing.T) {
		rec := ts.postJSON(t, base+"/extend", other, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("extend", func(t *testing.T) {
		rec := ts.postJSON(t, base+"/extend", ts.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var view service.ShareView
		decode(t, rec, &view)
		assert.True(t, view.ExpiresAt.After(share.ExpiresAt.Add(6*24*time.Hour)))
	})

	t.Run("retry on ready share", func(t *testing.T) {
		rec := ts.postJSON(t, base+"/retry-archive", ts.token, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("expire then prune", func(t *testing.T) {
		require.Equal(t, http.StatusOK, ts.postJSON(t, base+"/expire", ts.token, nil).Code)
		assert.Equal(t, http.StatusGone, ts.get("/api/shares/"+share.LongID, "").Code)

		rec := ts.postJSON(t, "/api/shares/prune-expired", ts.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Pruned int `json:"pruned"`
		}
		decode(t, rec, &out)
		assert.Equal(t, 1, out.Pruned)

		var list struct {
			Shares []service.ShareView `json:"shares"`
		}
		decode(t, ts.get("/api/shares", ts.token), &list)
		assert.Empty(t, list.Shares)
		decode(t, ts.get("/api/shares?show_deleted=true", ts.token), &list)
		assert.Len(t, list.Shares, 1)
	})

	t.Run("bad id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.postJSON(t, "/api/shares/abc/delete", ts.token, nil).Code)
	})
}

func TestReverseShareInvite(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.postJSON(t, "/api/reverse-shares/invite", ts.token, map[string]string{
		"recipient_name":  "Sam",
		"recipient_email": "sam@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var invite struct {
		GuestToken string `json:"guest_token"`
		UploadURL  string `json:"upload_url"`
	}
	decode(t, rec, &invite)
	require.NotEmpty(t, invite.GuestToken)

	// The guest uploads, the share is private to the requester and the
	// guest token stops working once consumed.
	fileID := ts.uploadChunked(t, invite.GuestToken, "scan.txt", "scanned", 4)
	rec = ts.shareFromChunks(t, invite.GuestToken, map[string]any{
		"name":     "scans",
		"fileInfo": []map[string]int64{{"id": fileID}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var share service.ShareView
	decode(t, rec, &share)
	assert.False(t, share.Public)

	assert.Equal(t, http.StatusNotFound, ts.get("/api/shares/"+share.LongID, "").Code)
	assert.Equal(t, http.StatusOK, ts.get("/api/shares/"+share.LongID, ts.token).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.get("/api/shares", invite.GuestToken).Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "in-memory", body["database"])
	assert.Equal(t, "1MiB", body["max_share_size"])

	rec = ts.get("/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
