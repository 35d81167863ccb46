package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"parcel/internal/server/auth"
	"parcel/internal/server/config"
	"parcel/internal/server/database"
	"parcel/internal/server/jobs"
	"parcel/internal/server/longid"
	"parcel/internal/server/notify"
	"parcel/internal/server/storage"
)

const (
	maxNameLength        = 255
	maxDescriptionLength = 500
)

// Enqueuer is the part of jobs.Queue the share service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// ShareParams are the fields common to both ways of creating a share.
type ShareParams struct {
	Name            string
	Description     string
	ExpiresAt       time.Time
	Password        string
	PasswordConfirm string
	Recipients      []string
}

// FileRef places an assembled file at a directory inside the share.
type FileRef struct {
	FileID int64
	Path   string
}

type ChunkShareParams struct {
	ShareParams
	Files []FileRef
}

// UploadedFile is one part of a direct multipart upload.
type UploadedFile struct {
	Name string
	Path string
	Type string
	Size int64
	Open func() (io.ReadCloser, error)
}

type DirectShareParams struct {
	ShareParams
	Files []UploadedFile
}

// ShareService creates shares and controls access to them.
type ShareService struct {
	db       database.Store
	store    storage.Store
	queue    Enqueuer
	notifier notify.Dispatcher
	settings config.Settings

	mu  sync.Mutex
	rng *rand.Rand

	now func() time.Time
}

// NewShareService creates a new share service.
func NewShareService(db database.Store, store storage.Store, queue Enqueuer, notifier notify.Dispatcher, settings config.Settings) *ShareService {
	return &ShareService{
		db:       db,
		store:    store,
		queue:    queue,
		notifier: notifier,
		settings: settings,
		rng:      longid.NewRand(),
		now:      time.Now,
	}
}

// placement moves one file into the share directory and records it inside
// the placement transaction.
type placement struct {
	name   string
	relDir string
	move   func(sharePath string) error
	record func(ctx context.Context, tx database.Store, shareID int64) error
}

// CreateShareFromChunks builds a share out of files previously assembled
// with the chunked upload protocol.
func (s *ShareService) CreateShareFromChunks(ctx context.Context, id *auth.Identity, p ChunkShareParams) (*database.Share, error) {
	if !s.settings.ChunkedUploads {
		return nil, ErrUploadsDisabled
	}
	if id == nil {
		return nil, ErrUnauthorized
	}

	v := s.validate(p.ShareParams)
	if len(p.Files) == 0 {
		v.add("files", "at least one file is required")
	}
	ids := make([]int64, 0, len(p.Files))
	seen := make(map[int64]bool)
	for _, ref := range p.Files {
		if seen[ref.FileID] {
			v.add("files", fmt.Sprintf("file %d listed twice", ref.FileID))
		}
		seen[ref.FileID] = true
		ids = append(ids, ref.FileID)
		if _, ok := cleanRelDir(ref.Path); !ok {
			v.add("filePaths", fmt.Sprintf("invalid path for file %d", ref.FileID))
		}
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	files, err := s.db.GetFilesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*database.File, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}

	var size int64
	places := make([]placement, 0, len(p.Files))
	for _, ref := range p.Files {
		f, ok := byID[ref.FileID]
		if !ok || !f.Staged() || !s.store.IsTempOf(id.UserID, *f.TempPath) {
			v.add("files", fmt.Sprintf("file %d is not available", ref.FileID))
			continue
		}
		if !s.store.Exists(*f.TempPath) {
			v.add("files", fmt.Sprintf("file %d no longer exists", ref.FileID))
			continue
		}
		size += f.Size
		relDir, _ := cleanRelDir(ref.Path)
		places = append(places, s.stagedPlacement(f, relDir))
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	return s.materialize(ctx, id, p.ShareParams, places, size)
}

func (s *ShareService) stagedPlacement(f *database.File, relDir string) placement {
	return placement{
		name:   f.Name,
		relDir: relDir,
		move: func(sharePath string) error {
			_, err := s.store.MoveIntoShare(*f.TempPath, sharePath, relDir, f.Name)
			return err
		},
		record: func(ctx context.Context, tx database.Store, shareID int64) error {
			if err := tx.PlaceFile(ctx, f.ID, shareID, relDir); err != nil {
				return err
			}
			return tx.DeleteSessionsByFile(ctx, f.ID)
		},
	}
}

// CreateShare builds a share from files sent in a single multipart request.
func (s *ShareService) CreateShare(ctx context.Context, id *auth.Identity, p DirectShareParams) (*database.Share, error) {
	if !s.settings.DirectUploads {
		return nil, ErrUploadsDisabled
	}
	if id == nil {
		return nil, ErrUnauthorized
	}

	v := s.validate(p.ShareParams)
	if len(p.Files) == 0 {
		v.add("files", "at least one file is required")
	}
	var size int64
	places := make([]placement, 0, len(p.Files))
	for i, uf := range p.Files {
		relDir, ok := cleanRelDir(uf.Path)
		if !ok {
			v.add("paths", fmt.Sprintf("invalid path for file %d", i))
			continue
		}
		size += uf.Size
		places = append(places, s.directPlacement(uf, relDir))
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if s.settings.MaxUploadSize > 0 && size > s.settings.MaxUploadSize {
		return nil, ErrFileTooLarge
	}

	return s.materialize(ctx, id, p.ShareParams, places, size)
}

func (s *ShareService) directPlacement(uf UploadedFile, relDir string) placement {
	name := sanitizeFilename(uf.Name)
	file := &database.File{Name: name, Type: detectType(name, uf.Type), FullPath: relDir}
	return placement{
		name:   name,
		relDir: relDir,
		move: func(sharePath string) error {
			r, err := uf.Open()
			if err != nil {
				return err
			}
			defer r.Close()
			_, n, err := s.store.SaveIntoShare(sharePath, relDir, name, r)
			file.Size = n
			return err
		},
		record: func(ctx context.Context, tx database.Store, shareID int64) error {
			file.ShareID = &shareID
			return tx.CreateFile(ctx, file)
		},
	}
}

func (s *ShareService) validate(p ShareParams) *ValidationError {
	v := &ValidationError{}
	if strings.TrimSpace(p.Name) == "" {
		v.add("name", "is required")
	} else if len(p.Name) > maxNameLength {
		v.add("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if len(p.Description) > maxDescriptionLength {
		v.add("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	if p.ExpiresAt.IsZero() {
		v.add("expiry_date", "is required")
	} else if !p.ExpiresAt.After(s.now()) {
		v.add("expiry_date", "must be in the future")
	}
	return v
}

// checkLimits runs after field validation: password confirmation first,
// then the maximum lifetime.
func (s *ShareService) checkLimits(p ShareParams) error {
	if p.Password != p.PasswordConfirm {
		return ErrPasswordMismatch
	}
	if days := s.settings.MaxExpiryDays; days > 0 && p.ExpiresAt.After(s.now().AddDate(0, 0, days)) {
		return &ExpiryTooFarError{MaxDays: days}
	}
	return nil
}

func (s *ShareService) generateLongID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return longid.Generate(ctx, s.rng, s.db.LongIDExists)
}

// materialize persists a share and moves its files into place. The share row
// is written first as pending so a crash mid-placement leaves a record the
// cleanup sweep can find.
func (s *ShareService) materialize(ctx context.Context, id *auth.Identity, p ShareParams, places []placement, size int64) (*database.Share, error) {
	if err := s.checkLimits(p); err != nil {
		return nil, err
	}

	var invite *database.ReverseShareInvite
	if id.IsGuest {
		inv, err := s.db.GetInviteByGuest(ctx, id.UserID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrUnauthorized
			}
			return nil, err
		}
		if inv.UsedAt != nil || (inv.ExpiresAt != nil && s.now().After(*inv.ExpiresAt)) {
			return nil, ErrUnauthorized
		}
		invite = inv
	}

	passwordHash, err := hashPassword(p.Password)
	if err != nil {
		return nil, err
	}

	longID, err := s.generateLongID(ctx)
	if err != nil {
		return nil, err
	}
	sharePath := strconv.FormatInt(id.UserID, 10) + "/" + longID
	if err := s.store.EnsureShareDir(sharePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	// Every share starts pending, even a single file: the row must exist
	// before the moves so a failed move leaves a failed share behind, and
	// readers see "pending" until the files are recorded. The final status
	// is set in the same transaction that records the files.
	share := &database.Share{
		Name:         strings.TrimSpace(p.Name),
		Description:  p.Description,
		LongID:       longID,
		Path:         sharePath,
		Size:         size,
		FileCount:    len(places),
		Status:       database.SharePending,
		ExpiresAt:    p.ExpiresAt.UTC(),
		Public:       invite == nil,
		PasswordHash: passwordHash,
	}
	if invite != nil {
		share.InviteID = &invite.ID
	} else {
		owner := id.UserID
		share.UserID = &owner
	}
	if err := s.db.CreateShare(ctx, share); err != nil {
		_ = s.store.RemoveAll(s.store.ShareDir(sharePath))
		return nil, err
	}

	for _, pl := range places {
		if err := pl.move(sharePath); err != nil {
			slog.Error("failed to place file",
				"share_id", share.ID,
				"file", pl.name,
				"dir", pl.relDir,
				"error", err,
			)
			s.fail(ctx, share)
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	status := database.ShareReady
	if share.FileCount > 1 {
		status = database.SharePending
	}
	err = s.db.InTx(ctx, func(tx database.Store) error {
		for _, pl := range places {
			if err := pl.record(ctx, tx, share.ID); err != nil {
				return err
			}
		}
		if err := tx.UpdateShareStatus(ctx, share.ID, status); err != nil {
			return err
		}
		if invite != nil {
			if err := tx.CompleteInvite(ctx, invite.ID, s.now().UTC()); err != nil {
				return err
			}
			return tx.DeleteUser(ctx, id.UserID)
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to record share files", "share_id", share.ID, "error", err)
		s.fail(ctx, share)
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	share.Status = status

	if status == database.SharePending {
		if err := s.queue.Enqueue(ctx, jobs.New(jobs.KindBuildArchive, share.ID)); err != nil {
			slog.Error("failed to enqueue archive job", "share_id", share.ID, "error", err)
			s.fail(ctx, share)
		}
	}

	slog.Info("share created",
		"share_id", share.ID,
		"long_id", share.LongID,
		"files", share.FileCount,
		"size", share.Size,
		"status", share.Status,
	)

	s.notifyCreated(ctx, share, invite, p.Recipients)
	return share, nil
}

func (s *ShareService) fail(ctx context.Context, share *database.Share) {
	share.Status = database.ShareFailed
	if err := s.db.UpdateShareStatus(ctx, share.ID, database.ShareFailed); err != nil {
		slog.Error("failed to mark share failed", "share_id", share.ID, "error", err)
	}
}

// ShareURL is the public link of a share.
func (s *ShareService) ShareURL(share *database.Share) string {
	return s.settings.BaseURL + "/s/" + share.LongID
}

func (s *ShareService) notifyCreated(ctx context.Context, share *database.Share, invite *database.ReverseShareInvite, recipients []string) {
	data := map[string]any{
		"share_id":    share.LongID,
		"name":        share.Name,
		"description": share.Description,
		"url":         s.ShareURL(share),
		"expires_at":  share.ExpiresAt,
	}

	if invite != nil {
		requester, err := s.db.GetUser(ctx, invite.UserID)
		if err != nil {
			slog.Warn("invite requester not found", "invite_id", invite.ID, "error", err)
			return
		}
		data["from"] = invite.RecipientName
		s.notifier.Send(ctx, requester.Email, notify.KindReverseShareReceived, data)
		return
	}

	for _, to := range recipients {
		if to = strings.TrimSpace(to); to != "" {
			s.notifier.Send(ctx, to, notify.KindShareCreated, data)
		}
	}
}
