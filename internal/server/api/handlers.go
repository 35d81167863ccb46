package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"parcel/internal/server/auth"
	"parcel/internal/server/config"
	"parcel/internal/server/longid"
	"parcel/internal/server/service"

	"github.com/docker/go-units"
	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the parcel API.
type Handler struct {
	uploads  *service.UploadService
	shares   *service.ShareService
	invites  *service.InviteService
	health   HealthChecker
	settings config.Settings
}

// NewHandler creates a new handler. health may be nil for stores without a
// remote connection.
func NewHandler(uploads *service.UploadService, shares *service.ShareService, invites *service.InviteService, health HealthChecker, settings config.Settings) *Handler {
	return &Handler{
		uploads:  uploads,
		shares:   shares,
		invites:  invites,
		health:   health,
		settings: settings,
	}
}

func identity(c echo.Context) *auth.Identity {
	return auth.FromContext(c)
}

func bad(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

// --- Chunked uploads ---

type createSessionRequest struct {
	UploadID    string `json:"upload_id"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	Filetype    string `json:"filetype"`
	TotalChunks int    `json:"total_chunks"`
}

// HandleCreateSession handles POST /api/uploads/create-session.
func (h *Handler) HandleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return bad(c, "invalid request body")
	}

	session, err := h.uploads.OpenSession(c.Request().Context(), service.OpenSessionParams{
		OwnerID:     identity(c).UserID,
		UploadID:    req.UploadID,
		Filename:    req.Filename,
		Size:        req.Filesize,
		Type:        req.Filetype,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"upload_id":    session.UploadID,
		"total_chunks": session.TotalChunks,
		"status":       session.Status,
	})
}

// HandleChunk handles POST /api/uploads/chunk.
// Accepts a multipart form with a "chunk" file plus "upload_id" and
// "chunk_index" fields.
func (h *Handler) HandleChunk(c echo.Context) error {
	uploadID := c.FormValue("upload_id")
	index, err := strconv.Atoi(c.FormValue("chunk_index"))
	if err != nil {
		return bad(c, "chunk_index must be an integer")
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		return bad(c, "chunk is required (use form field 'chunk')")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded chunk",
		})
	}
	defer src.Close()

	progress, err := h.uploads.ReceiveChunk(c.Request().Context(), uploadID, identity(c).UserID, index, src)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, progress)
}

type finalizeRequest struct {
	UploadID string `json:"upload_id"`
}

// HandleFinalize handles POST /api/uploads/finalize.
func (h *Handler) HandleFinalize(c echo.Context) error {
	var req finalizeRequest
	if err := c.Bind(&req); err != nil || req.UploadID == "" {
		return bad(c, "upload_id is required")
	}

	file, err := h.uploads.Finalize(c.Request().Context(), req.UploadID, identity(c).UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"file_id": file.ID,
		"name":    file.Name,
		"size":    file.Size,
		"type":    file.Type,
	})
}

// --- Share creation ---

type fileInfo struct {
	ID int64 `json:"id"`
}

type chunkShareRequest struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	FileInfo        []fileInfo        `json:"fileInfo"`
	FilePaths       map[string]string `json:"filePaths"`
	ExpiryDate      time.Time         `json:"expiry_date"`
	Password        string            `json:"password"`
	PasswordConfirm string            `json:"password_confirm"`
	Recipients      []string          `json:"recipients"`
}

// HandleCreateShareFromChunks handles POST /api/uploads/create-share-from-chunks.
// filePaths maps a file id to the directory it is placed in.
func (h *Handler) HandleCreateShareFromChunks(c echo.Context) error {
	var req chunkShareRequest
	if err := c.Bind(&req); err != nil {
		return bad(c, "invalid request body")
	}

	refs := make([]service.FileRef, 0, len(req.FileInfo))
	for _, fi := range req.FileInfo {
		refs = append(refs, service.FileRef{
			FileID: fi.ID,
			Path:   req.FilePaths[strconv.FormatInt(fi.ID, 10)],
		})
	}

	share, err := h.shares.CreateShareFromChunks(c.Request().Context(), identity(c), service.ChunkShareParams{
		ShareParams: service.ShareParams{
			Name:            req.Name,
			Description:     req.Description,
			ExpiresAt:       req.ExpiryDate,
			Password:        req.Password,
			PasswordConfirm: req.PasswordConfirm,
			Recipients:      req.Recipients,
		},
		Files: refs,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, h.shares.View(share))
}

// HandleCreateShare handles POST /api/shares.
// Accepts a multipart form with repeated "files" parts, an optional "paths"
// value per file and the share fields. "recipients" is a JSON array.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return bad(c, "multipart form required")
	}

	var expiresAt time.Time
	if v := c.FormValue("expiry_date"); v != "" {
		expiresAt, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return bad(c, "expiry_date must be RFC 3339")
		}
	}
	var recipients []string
	if v := c.FormValue("recipients"); v != "" {
		if err := json.Unmarshal([]byte(v), &recipients); err != nil {
			return bad(c, "recipients must be a JSON array")
		}
	}

	headers := form.File["files"]
	paths := form.Value["paths"]
	files := make([]service.UploadedFile, 0, len(headers))
	for i, fh := range headers {
		uf := service.UploadedFile{
			Name: fh.Filename,
			Type: fh.Header.Get(echo.HeaderContentType),
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		}
		if i < len(paths) {
			uf.Path = paths[i]
		}
		files = append(files, uf)
	}

	share, err := h.shares.CreateShare(c.Request().Context(), identity(c), service.DirectShareParams{
		ShareParams: service.ShareParams{
			Name:            c.FormValue("name"),
			Description:     c.FormValue("description"),
			ExpiresAt:       expiresAt,
			Password:        c.FormValue("password"),
			PasswordConfirm: c.FormValue("password_confirm"),
			Recipients:      recipients,
		},
		Files: files,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, h.shares.View(share))
}

// --- Share access ---

// HandleGetShare handles GET /api/shares/:id where id is the long id.
func (h *Handler) HandleGetShare(c echo.Context) error {
	view, err := h.shares.Read(c.Request().Context(), c.Param("id"), identity(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleDownload handles GET /api/shares/:id/download.
// Serves the file or archive as an attachment. Accepts an optional
// "password" query param.
func (h *Handler) HandleDownload(c echo.Context) error {
	res, err := h.shares.Download(c.Request().Context(), service.DownloadParams{
		LongID:    c.Param("id"),
		Password:  c.QueryParam("password"),
		Viewer:    identity(c),
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	switch res.Status {
	case service.DownloadStatusPending:
		return c.JSON(http.StatusAccepted, echo.Map{
			"status":  res.Status,
			"message": "archive is being prepared, try again shortly",
			"share":   res.Share,
		})
	case service.DownloadStatusFailed:
		return c.JSON(http.StatusConflict, echo.Map{
			"status":  res.Status,
			"message": "share content is unavailable",
			"share":   res.Share,
		})
	}

	if res.ContentType != "" {
		c.Response().Header().Set(echo.HeaderContentType, res.ContentType)
	}
	return c.Attachment(res.Path, res.Filename)
}

// --- Owner operations ---

func shareID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// HandleListShares handles GET /api/shares.
func (h *Handler) HandleListShares(c echo.Context) error {
	showDeleted, _ := strconv.ParseBool(c.QueryParam("show_deleted"))
	shares, err := h.shares.MyShares(c.Request().Context(), identity(c), showDeleted)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"shares": shares})
}

// HandlePruneExpired handles POST /api/shares/prune-expired.
func (h *Handler) HandlePruneExpired(c echo.Context) error {
	n, err := h.shares.PruneExpired(c.Request().Context(), identity(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"pruned": n})
}

type ownerOp func(ctx context.Context, id *auth.Identity, shareID int64) (*service.ShareView, error)

// handleOwnerOp adapts an owner-only share operation to a POST handler.
func (h *Handler) handleOwnerOp(op ownerOp) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := shareID(c)
		if !ok {
			return bad(c, "invalid share id")
		}
		view, err := op(c.Request().Context(), identity(c), id)
		if err != nil {
			return mapServiceError(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

// HandleExpire handles POST /api/shares/:id/expire.
func (h *Handler) HandleExpire(c echo.Context) error {
	return h.handleOwnerOp(h.shares.Expire)(c)
}

// HandleExtend handles POST /api/shares/:id/extend.
func (h *Handler) HandleExtend(c echo.Context) error {
	return h.handleOwnerOp(h.shares.Extend)(c)
}

// HandleRetryArchive handles POST /api/shares/:id/retry-archive.
func (h *Handler) HandleRetryArchive(c echo.Context) error {
	return h.handleOwnerOp(h.shares.RetryArchive)(c)
}

type downloadLimitRequest struct {
	Amount *int `json:"amount"`
}

// HandleSetDownloadLimit handles POST /api/shares/:id/set-download-limit.
// An amount of -1 removes the limit.
func (h *Handler) HandleSetDownloadLimit(c echo.Context) error {
	var req downloadLimitRequest
	if err := c.Bind(&req); err != nil || req.Amount == nil {
		return bad(c, "amount is required")
	}
	return h.handleOwnerOp(func(ctx context.Context, id *auth.Identity, shareID int64) (*service.ShareView, error) {
		return h.shares.SetDownloadLimit(ctx, id, shareID, *req.Amount)
	})(c)
}

// HandleDeleteShare handles POST /api/shares/:id/delete.
func (h *Handler) HandleDeleteShare(c echo.Context) error {
	id, ok := shareID(c)
	if !ok {
		return bad(c, "invalid share id")
	}
	if err := h.shares.Delete(c.Request().Context(), identity(c), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "share deleted successfully",
	})
}

// --- Reverse shares ---

type inviteRequest struct {
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email"`
	Message        string `json:"message"`
}

// HandleInvite handles POST /api/reverse-shares/invite.
func (h *Handler) HandleInvite(c echo.Context) error {
	var req inviteRequest
	if err := c.Bind(&req); err != nil {
		return bad(c, "invalid request body")
	}

	res, err := h.invites.CreateInvite(c.Request().Context(), identity(c), service.InviteParams{
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		Message:        req.Message,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// --- Health & stats ---

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if h.health == nil {
		dbStatus = "in-memory"
	} else if err := h.health.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":         status,
		"database":       dbStatus,
		"max_share_size": units.BytesSize(float64(h.settings.MaxUploadSize)),
		"chunked":        h.settings.ChunkedUploads,
		"direct":         h.settings.DirectUploads,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.shares.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_shares":       stats.TotalShares,
		"active_shares":      stats.ActiveShares,
		"pending_shares":     stats.PendingShares,
		"open_sessions":      stats.OpenSessions,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": units.HumanSize(float64(stats.StorageUsed)),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"error":  "validation failed",
			"fields": validation.Fields,
		})
	case errors.Is(err, service.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "upload session not found"})
	case errors.Is(err, service.ErrShareNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "share not found"})
	case errors.Is(err, service.ErrDuplicateSession),
		errors.Is(err, service.ErrSessionIncomplete),
		errors.Is(err, service.ErrIncompleteChunkSet),
		errors.Is(err, service.ErrSessionFinalized),
		errors.Is(err, longid.ErrIDSpaceExhausted):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrShareExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "share has expired"})
	case errors.Is(err, service.ErrDownloadLimitReached):
		return c.JSON(http.StatusGone, echo.Map{"error": "download limit reached"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrPasswordMismatch),
		errors.Is(err, service.ErrExpiryTooFar):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, service.ErrUploadsDisabled):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, context.Canceled):
		return c.JSON(499, echo.Map{"error": "request cancelled"})
	default:
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
