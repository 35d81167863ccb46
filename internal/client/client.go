// Package client talks to a parcel server: it uploads files with the chunked
// protocol and turns them into a share.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"parcel/internal/core"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// APIError is a non-success response from the server.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for k, v := range e.Fields {
			parts = append(parts, k+": "+v)
		}
		return fmt.Sprintf("HTTP %d: %s (%s)", e.Status, e.Message, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Config holds the connection and transfer settings.
type Config struct {
	Server    string
	Token     string
	ChunkSize int64
	Parallel  int
	RetryMax  int
}

// Client uploads to one server.
type Client struct {
	base      string
	token     string
	chunkSize int64
	parallel  int
	http      *retryablehttp.Client
}

// New creates a client. Transient failures (connection errors, 5xx, 429) are
// retried with backoff.
func New(cfg Config) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	if hc.RetryMax == 0 {
		hc.RetryMax = 4
	}
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.Logger = nil

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = core.DefaultChunkSize
	}
	parallel := cfg.Parallel
	if parallel < 1 {
		parallel = 1
	}

	return &Client{
		base:      strings.TrimRight(cfg.Server, "/"),
		token:     cfg.Token,
		chunkSize: chunkSize,
		parallel:  parallel,
		http:      hc,
	}
}

// ShareRequest describes the share to create.
type ShareRequest struct {
	Name        string
	Description string
	ExpiresAt   time.Time
	Password    string
	Recipients  []string
}

// Share is the server's description of a share.
type Share struct {
	ID            int64     `json:"id"`
	LongID        string    `json:"long_id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Status        string    `json:"status"`
	Size          int64     `json:"size"`
	FileCount     int       `json:"file_count"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadLimit *int      `json:"download_limit,omitempty"`
}

// Progress is called after every chunk with the bytes sent so far.
type Progress func(sent, total int64)

// UploadedFile is a file the server has assembled and staged.
type UploadedFile struct {
	ID     int64
	RelDir string
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, contentType string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends req and decodes a response with the wanted status into out.
func (c *Client) do(req *retryablehttp.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return unwrapError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Fields = body.Fields
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *Client) postJSON(ctx context.Context, path string, in any, want int, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, data, "application/json")
	if err != nil {
		return err
	}
	return c.do(req, want, out)
}

// UploadFile sends one file in chunks and finalizes it. Chunks are uploaded
// concurrently; the server accepts them in any order.
func (c *Client) UploadFile(ctx context.Context, entry core.ManifestEntry, progress Progress) (int64, error) {
	total := int((entry.Size + c.chunkSize - 1) / c.chunkSize)
	if total == 0 {
		total = 1
	}
	uploadID := uuid.NewString()

	err := c.postJSON(ctx, "/api/uploads/create-session", map[string]any{
		"upload_id":    uploadID,
		"filename":     entry.Name,
		"filesize":     entry.Size,
		"filetype":     entry.Type,
		"total_chunks": total,
	}, http.StatusCreated, nil)
	if err != nil {
		return 0, fmt.Errorf("create session for %s: %w", entry.Name, err)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i := 0; i < total; i++ {
		g.Go(func() error {
			off := int64(i) * c.chunkSize
			size := min(c.chunkSize, entry.Size-off)
			if err := c.sendChunk(gctx, uploadID, i, io.NewSectionReader(f, off, size)); err != nil {
				return fmt.Errorf("chunk %d of %s: %w", i, entry.Name, err)
			}
			n := sent.Add(size)
			if progress != nil {
				progress(n, entry.Size)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var out struct {
		FileID int64 `json:"file_id"`
	}
	err = c.postJSON(ctx, "/api/uploads/finalize", map[string]string{"upload_id": uploadID}, http.StatusOK, &out)
	if err != nil {
		return 0, fmt.Errorf("finalize %s: %w", entry.Name, err)
	}
	slog.Debug("file uploaded", "name", entry.Name, "file_id", out.FileID, "chunks", total)
	return out.FileID, nil
}

func (c *Client) sendChunk(ctx context.Context, uploadID string, index int, data io.Reader) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("upload_id", uploadID); err != nil {
		return err
	}
	if err := w.WriteField("chunk_index", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := w.CreateFormFile("chunk", "blob")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// retryablehttp rewinds a byte slice body on every attempt
	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads/chunk", body.Bytes(), w.FormDataContentType())
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, nil)
}

// CreateShareFromChunks turns staged files into a share.
func (c *Client) CreateShareFromChunks(ctx context.Context, r ShareRequest, files []UploadedFile) (*Share, error) {
	info := make([]map[string]int64, 0, len(files))
	paths := make(map[string]string, len(files))
	for _, f := range files {
		info = append(info, map[string]int64{"id": f.ID})
		paths[strconv.FormatInt(f.ID, 10)] = f.RelDir
	}

	var share Share
	err := c.postJSON(ctx, "/api/uploads/create-share-from-chunks", map[string]any{
		"name":             r.Name,
		"description":      r.Description,
		"fileInfo":         info,
		"filePaths":        paths,
		"expiry_date":      r.ExpiresAt.UTC().Format(time.RFC3339),
		"password":         r.Password,
		"password_confirm": r.Password,
		"recipients":       r.Recipients,
	}, http.StatusCreated, &share)
	if err != nil {
		return nil, err
	}
	return &share, nil
}

// CreateShare sends every manifest entry in one multipart request.
func (c *Client) CreateShare(ctx context.Context, r ShareRequest, m *core.Manifest) (*Share, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := map[string]string{
		"name":             r.Name,
		"description":      r.Description,
		"expiry_date":      r.ExpiresAt.UTC().Format(time.RFC3339),
		"password":         r.Password,
		"password_confirm": r.Password,
	}
	if len(r.Recipients) > 0 {
		data, err := json.Marshal(r.Recipients)
		if err != nil {
			return nil, err
		}
		fields["recipients"] = string(data)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	for _, e := range m.Entries {
		if err := addFormFile(w, e); err != nil {
			return nil, err
		}
	}
	for _, e := range m.Entries {
		if err := w.WriteField("paths", e.RelDir); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/shares", body.Bytes(), w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var share Share
	if err := c.do(req, http.StatusCreated, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

func addFormFile(w *multipart.Writer, e core.ManifestEntry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := w.CreateFormFile("files", e.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// SetDownloadLimit caps the number of downloads of a share.
func (c *Client) SetDownloadLimit(ctx context.Context, shareID int64, amount int) (*Share, error) {
	var share Share
	path := fmt.Sprintf("/api/shares/%d/set-download-limit", shareID)
	if err := c.postJSON(ctx, path, map[string]int{"amount": amount}, http.StatusOK, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

// Upload sends every file of m with the chunked protocol and creates the
// share. Files go one after another; chunks within a file go in parallel.
func (c *Client) Upload(ctx context.Context, r ShareRequest, m *core.Manifest, progress Progress) (*Share, error) {
	var done int64
	files := make([]UploadedFile, 0, len(m.Entries))
	for _, e := range m.Entries {
		base := done
		id, err := c.UploadFile(ctx, e, func(sent, _ int64) {
			if progress != nil {
				progress(base+sent, m.TotalSize)
			}
		})
		if err != nil {
			return nil, err
		}
		done += e.Size
		files = append(files, UploadedFile{ID: id, RelDir: e.RelDir})
	}
	return c.CreateShareFromChunks(ctx, r, files)
}
