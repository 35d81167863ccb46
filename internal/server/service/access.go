package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"parcel/internal/server/auth"
	"parcel/internal/server/database"
	"parcel/internal/server/jobs"
	"parcel/internal/server/notify"
)

// DownloadStatus tells the caller whether bytes are available.
type DownloadStatus string

const (
	DownloadStatusReady   DownloadStatus = "ready"
	DownloadStatusPending DownloadStatus = "pending"
	DownloadStatusFailed  DownloadStatus = "failed"
)

// ShareView is the public description of a share.
type ShareView struct {
	ID            int64                `json:"id"`
	LongID        string               `json:"long_id"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	URL           string               `json:"url"`
	Status        database.ShareStatus `json:"status"`
	Size          int64                `json:"size"`
	FileCount     int                  `json:"file_count"`
	ExpiresAt     time.Time            `json:"expires_at"`
	DownloadLimit *int                 `json:"download_limit,omitempty"`
	DownloadCount int                  `json:"download_count"`
	HasPassword   bool                 `json:"has_password"`
	Public        bool                 `json:"public"`
	CreatedAt     time.Time            `json:"created_at"`
	Files         []FileView           `json:"files,omitempty"`
}

type FileView struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// DownloadParams identify a download request.
type DownloadParams struct {
	LongID    string
	Password  string
	Viewer    *auth.Identity
	IPAddress string
	UserAgent string
}

// DownloadResult is either a file to serve (Status ready) or a view
// explaining why there is nothing to serve yet.
type DownloadResult struct {
	Status      DownloadStatus
	Path        string
	Filename    string
	ContentType string
	Share       *ShareView
}

// View describes a share without its file list.
func (s *ShareService) View(share *database.Share) *ShareView {
	return &ShareView{
		ID:            share.ID,
		LongID:        share.LongID,
		Name:          share.Name,
		Description:   share.Description,
		URL:           s.ShareURL(share),
		Status:        share.Status,
		Size:          share.Size,
		FileCount:     share.FileCount,
		ExpiresAt:     share.ExpiresAt,
		DownloadLimit: share.DownloadLimit,
		DownloadCount: share.DownloadCount,
		HasPassword:   share.PasswordHash != nil,
		Public:        share.Public,
		CreatedAt:     share.CreatedAt,
	}
}

// accessible loads a share by long id and applies expiry, download limit and
// visibility rules. Private shares are reported as missing to strangers.
func (s *ShareService) accessible(ctx context.Context, longID string, viewer *auth.Identity) (*database.Share, error) {
	share, err := s.db.GetShareByLongID(ctx, longID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	if share.Status == database.ShareDeleted {
		return nil, ErrShareNotFound
	}
	if !share.Public {
		ok, err := s.canSeePrivate(ctx, share, viewer)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrShareNotFound
		}
	}
	if share.Expired(s.now()) {
		return nil, ErrShareExpired
	}
	if share.LimitReached() {
		return nil, ErrDownloadLimitReached
	}
	return share, nil
}

func (s *ShareService) canSeePrivate(ctx context.Context, share *database.Share, viewer *auth.Identity) (bool, error) {
	if viewer == nil {
		return false, nil
	}
	if share.UserID != nil && *share.UserID == viewer.UserID {
		return true, nil
	}
	if share.InviteID == nil {
		return false, nil
	}
	invite, err := s.db.GetInvite(ctx, *share.InviteID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return invite.UserID == viewer.UserID, nil
}

// Read returns the share's metadata. The file list is withheld from
// password-protected shares.
func (s *ShareService) Read(ctx context.Context, longID string, viewer *auth.Identity) (*ShareView, error) {
	share, err := s.accessible(ctx, longID, viewer)
	if err != nil {
		return nil, err
	}

	v := s.View(share)
	if share.PasswordHash == nil {
		files, err := s.db.GetFilesByShare(ctx, share.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			v.Files = append(v.Files, FileView{Name: f.Name, Path: f.FullPath, Type: f.Type, Size: f.Size})
		}
	}
	return v, nil
}

// Download resolves the bytes to serve and counts the download. The counter
// is only advanced while it is below the limit, so concurrent requests can
// never exceed it.
func (s *ShareService) Download(ctx context.Context, p DownloadParams) (*DownloadResult, error) {
	share, err := s.accessible(ctx, p.LongID, p.Viewer)
	if err != nil {
		return nil, err
	}
	if err := checkPassword(share.PasswordHash, p.Password); err != nil {
		return nil, err
	}

	switch share.Status {
	case database.SharePending:
		return &DownloadResult{Status: DownloadStatusPending, Share: s.View(share)}, nil
	case database.ShareFailed:
		return &DownloadResult{Status: DownloadStatusFailed, Share: s.View(share)}, nil
	}

	res, err := s.resolve(ctx, share)
	if err != nil {
		return nil, err
	}
	if res.Status != DownloadStatusReady {
		return res, nil
	}

	previous, err := s.db.RecordDownload(ctx, &database.Download{
		ShareID:   share.ID,
		IPAddress: p.IPAddress,
		UserAgent: p.UserAgent,
	})
	if err != nil {
		switch {
		case errors.Is(err, database.ErrLimitReached):
			return nil, ErrDownloadLimitReached
		case errors.Is(err, database.ErrNotFound):
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	res.Share.DownloadCount = previous + 1

	slog.Info("share downloaded", "share_id", share.ID, "long_id", share.LongID, "count", previous+1)

	if previous == 0 && s.settings.ShareDownloadedEnabled && share.UserID != nil {
		s.notifyDownloaded(ctx, share)
	}
	return res, nil
}

// resolve finds the file or archive of a ready share. A missing object
// yields a failed result instead of an error.
func (s *ShareService) resolve(ctx context.Context, share *database.Share) (*DownloadResult, error) {
	res := &DownloadResult{Status: DownloadStatusReady, Share: s.View(share)}

	var rel string
	if share.FileCount == 1 {
		files, err := s.db.GetFilesByShare(ctx, share.ID)
		if err != nil {
			return nil, err
		}
		if len(files) != 1 {
			res.Status = DownloadStatusFailed
			return res, nil
		}
		f := files[0]
		rel = filepath.Join(s.store.ShareDir(share.Path), filepath.FromSlash(f.FullPath), f.Name)
		res.Filename = f.Name
		res.ContentType = f.Type
	} else {
		rel = s.store.ArchivePath(share.Path)
		res.Filename = sanitizeFilename(share.Name) + ".zip"
		res.ContentType = "application/zip"
	}

	if !s.store.Exists(rel) {
		slog.Warn("share content missing", "share_id", share.ID, "path", rel)
		res.Status = DownloadStatusFailed
		return res, nil
	}
	abs, err := s.store.Path(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	res.Path = abs
	return res, nil
}

func (s *ShareService) notifyDownloaded(ctx context.Context, share *database.Share) {
	owner, err := s.db.GetUser(ctx, *share.UserID)
	if err != nil {
		slog.Warn("share owner not found", "share_id", share.ID, "error", err)
		return
	}
	s.notifier.Send(ctx, owner.Email, notify.KindShareDownloaded, map[string]any{
		"share_id": share.LongID,
		"name":     share.Name,
		"url":      s.ShareURL(share),
	})
}

// --- Owner operations ---

func (s *ShareService) owned(ctx context.Context, id *auth.Identity, shareID int64) (*database.Share, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	share, err := s.db.GetShareByID(ctx, shareID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	if share.Status == database.ShareDeleted {
		return nil, ErrShareNotFound
	}
	if share.UserID == nil || *share.UserID != id.UserID {
		return nil, ErrUnauthorized
	}
	return share, nil
}

func (s *ShareService) reload(ctx context.Context, shareID int64) (*ShareView, error) {
	share, err := s.db.GetShareByID(ctx, shareID)
	if err != nil {
		return nil, err
	}
	return s.View(share), nil
}

// Expire makes the share inaccessible immediately.
func (s *ShareService) Expire(ctx context.Context, id *auth.Identity, shareID int64) (*ShareView, error) {
	if _, err := s.owned(ctx, id, shareID); err != nil {
		return nil, err
	}
	if err := s.db.SetShareExpiry(ctx, shareID, s.now().UTC()); err != nil {
		return nil, err
	}
	slog.Info("share expired", "share_id", shareID)
	return s.reload(ctx, shareID)
}

// Extend pushes the expiry out by the configured number of days, counted
// from now when the share has already expired.
func (s *ShareService) Extend(ctx context.Context, id *auth.Identity, shareID int64) (*ShareView, error) {
	share, err := s.owned(ctx, id, shareID)
	if err != nil {
		return nil, err
	}
	from := share.ExpiresAt
	if now := s.now(); from.Before(now) {
		from = now
	}
	if err := s.db.SetShareExpiry(ctx, shareID, from.AddDate(0, 0, s.settings.ExtendDays).UTC()); err != nil {
		return nil, err
	}
	slog.Info("share extended", "share_id", shareID, "days", s.settings.ExtendDays)
	return s.reload(ctx, shareID)
}

// SetDownloadLimit sets the limit to amount, or clears it when amount is -1.
func (s *ShareService) SetDownloadLimit(ctx context.Context, id *auth.Identity, shareID int64, amount int) (*ShareView, error) {
	if amount != -1 && amount < 1 {
		return nil, invalid("amount", "must be -1 or at least 1")
	}
	if _, err := s.owned(ctx, id, shareID); err != nil {
		return nil, err
	}
	var limit *int
	if amount > 0 {
		limit = &amount
	}
	if err := s.db.SetDownloadLimit(ctx, shareID, limit); err != nil {
		return nil, err
	}
	return s.reload(ctx, shareID)
}

// RetryArchive re-dispatches the archive job of a failed share.
func (s *ShareService) RetryArchive(ctx context.Context, id *auth.Identity, shareID int64) (*ShareView, error) {
	share, err := s.owned(ctx, id, shareID)
	if err != nil {
		return nil, err
	}
	if share.Status != database.ShareFailed {
		return nil, invalid("status", "only failed shares can be retried")
	}
	if err := s.db.UpdateShareStatus(ctx, shareID, database.SharePending); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, jobs.New(jobs.KindBuildArchive, shareID)); err != nil {
		s.fail(ctx, share)
		return nil, fmt.Errorf("failed to enqueue archive job: %w", err)
	}
	slog.Info("archive retry queued", "share_id", shareID)
	return s.reload(ctx, shareID)
}

// Delete marks the share deleted. Its files are removed by the next sweep.
func (s *ShareService) Delete(ctx context.Context, id *auth.Identity, shareID int64) error {
	if _, err := s.owned(ctx, id, shareID); err != nil {
		return err
	}
	if err := s.db.UpdateShareStatus(ctx, shareID, database.ShareDeleted); err != nil {
		return err
	}
	slog.Info("share deleted", "share_id", shareID)
	return nil
}

// PruneExpired marks every expired share of the caller deleted and returns
// how many were affected.
func (s *ShareService) PruneExpired(ctx context.Context, id *auth.Identity) (int, error) {
	if id == nil {
		return 0, ErrUnauthorized
	}
	pruned, err := s.db.MarkExpiredSharesDeleted(ctx, id.UserID, s.now())
	if err != nil {
		return 0, err
	}
	if len(pruned) > 0 {
		slog.Info("expired shares pruned", "user_id", id.UserID, "count", len(pruned))
	}
	return len(pruned), nil
}

// MyShares lists the caller's shares, newest first.
func (s *ShareService) MyShares(ctx context.Context, id *auth.Identity, includeDeleted bool) ([]*ShareView, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	shares, err := s.db.ListSharesByUser(ctx, id.UserID, includeDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]*ShareView, 0, len(shares))
	for _, sh := range shares {
		out = append(out, s.View(sh))
	}
	return out, nil
}

// Stats returns aggregate server statistics.
func (s *ShareService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.db.GetStats(ctx)
}
