package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"parcel/internal/server/config"
	"parcel/internal/server/database"
	"parcel/internal/server/locker"
	"parcel/internal/server/storage"
)

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// OpenSessionParams describes a file about to be uploaded in chunks.
type OpenSessionParams struct {
	OwnerID     int64
	UploadID    string
	Filename    string
	Size        int64
	Type        string
	TotalChunks int
}

// ChunkProgress is returned after every accepted chunk.
type ChunkProgress struct {
	ChunkIndex     int  `json:"chunk_index"`
	ReceivedChunks int  `json:"received_chunks"`
	TotalChunks    int  `json:"total_chunks"`
	IsComplete     bool `json:"is_complete"`
}

// UploadService manages chunked upload sessions up to the staged file.
type UploadService struct {
	db        database.Store
	store     storage.Store
	locks     locker.Locker
	assembler *Assembler
	settings  config.Settings
}

// NewUploadService creates a new upload service.
func NewUploadService(db database.Store, store storage.Store, locks locker.Locker, settings config.Settings) *UploadService {
	return &UploadService{
		db:        db,
		store:     store,
		locks:     locks,
		assembler: NewAssembler(db, store),
		settings:  settings,
	}
}

// OpenSession registers a new pending upload session and its staging
// directory.
func (s *UploadService) OpenSession(ctx context.Context, p OpenSessionParams) (*database.UploadSession, error) {
	if !s.settings.ChunkedUploads {
		return nil, ErrUploadsDisabled
	}

	v := &ValidationError{}
	if !uploadIDPattern.MatchString(p.UploadID) {
		v.add("upload_id", "must be 1-255 letters, digits, '-' or '_'")
	}
	if strings.TrimSpace(p.Filename) == "" {
		v.add("filename", "is required")
	}
	if p.Size < 0 {
		v.add("filesize", "must not be negative")
	}
	if p.TotalChunks <= 0 {
		v.add("total_chunks", "must be at least 1")
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if s.settings.MaxUploadSize > 0 && p.Size > s.settings.MaxUploadSize {
		return nil, ErrFileTooLarge
	}

	session := &database.UploadSession{
		UploadID:    p.UploadID,
		UserID:      p.OwnerID,
		Filename:    sanitizeFilename(p.Filename),
		Filesize:    p.Size,
		Filetype:    detectType(p.Filename, p.Type),
		TotalChunks: p.TotalChunks,
		Status:      database.SessionPending,
	}
	if err := s.db.CreateSession(ctx, session); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrDuplicateSession
		}
		return nil, err
	}

	if err := s.store.EnsureChunkDir(p.OwnerID, p.UploadID); err != nil {
		if delErr := s.db.DeleteSession(ctx, session.ID); delErr != nil {
			slog.Error("failed to roll back upload session", "upload_id", p.UploadID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	slog.Info("upload session opened",
		"upload_id", session.UploadID,
		"user_id", session.UserID,
		"filename", session.Filename,
		"total_chunks", session.TotalChunks,
	)
	return session, nil
}

// ReceiveChunk stores one chunk and recomputes the session's progress from
// the set of stored indices. Resending an index replaces its bytes.
func (s *UploadService) ReceiveChunk(ctx context.Context, uploadID string, ownerID int64, index int, body io.Reader) (*ChunkProgress, error) {
	session, err := s.session(ctx, uploadID, ownerID)
	if err != nil {
		return nil, err
	}
	if session.Status == database.SessionProcessed {
		return nil, ErrSessionFinalized
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, invalid("chunk_index", fmt.Sprintf("must be between 0 and %d", session.TotalChunks-1))
	}

	if s.settings.MaxUploadSize > 0 {
		body = io.LimitReader(body, s.settings.MaxUploadSize+1)
	}
	rel, n, err := s.store.SaveChunk(ownerID, uploadID, index, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if s.settings.MaxUploadSize > 0 && n > s.settings.MaxUploadSize {
		_ = s.store.Remove(rel)
		return nil, ErrFileTooLarge
	}

	chunk := &database.ChunkUpload{
		UploadSessionID: session.ID,
		ChunkIndex:      index,
		ChunkSize:       n,
		ChunkPath:       rel,
	}
	if err := s.db.UpsertChunk(ctx, chunk); err != nil {
		return nil, err
	}

	updated, err := s.db.RefreshSessionProgress(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	return &ChunkProgress{
		ChunkIndex:     index,
		ReceivedChunks: updated.ChunksReceived,
		TotalChunks:    updated.TotalChunks,
		IsComplete:     updated.ChunksReceived == updated.TotalChunks,
	}, nil
}

// Finalize assembles a complete session into a staged file. Calls for the
// same upload are serialized; a processed session returns its file again.
func (s *UploadService) Finalize(ctx context.Context, uploadID string, ownerID int64) (*database.File, error) {
	unlock, err := s.locks.Lock(ctx, "finalize:"+uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock upload %s: %w", uploadID, err)
	}
	defer unlock()

	session, err := s.session(ctx, uploadID, ownerID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case database.SessionProcessed:
		if session.FileID == nil {
			return nil, ErrSessionFinalized
		}
		return s.db.GetFile(ctx, *session.FileID)
	case database.SessionComplete:
	case database.SessionFailed:
		if session.ChunksReceived != session.TotalChunks {
			return nil, ErrSessionIncomplete
		}
	default:
		return nil, ErrSessionIncomplete
	}

	file, err := s.assembler.Assemble(ctx, session)
	if err != nil {
		// another finalize may have committed while this one assembled, for
		// example after a lost lock
		if current, getErr := s.session(ctx, uploadID, ownerID); getErr == nil &&
			current.Status == database.SessionProcessed && current.FileID != nil {
			slog.Warn("upload finalized concurrently", "upload_id", uploadID, "file_id", *current.FileID, "error", err)
			return s.db.GetFile(ctx, *current.FileID)
		}
		slog.Error("assembly failed", "upload_id", uploadID, "error", err)
		if statusErr := s.db.SetSessionStatus(ctx, session.ID, database.SessionFailed); statusErr != nil {
			slog.Error("failed to mark session failed", "upload_id", uploadID, "error", statusErr)
		}
		return nil, err
	}

	slog.Info("upload finalized",
		"upload_id", uploadID,
		"file_id", file.ID,
		"size", file.Size,
	)
	return file, nil
}

func (s *UploadService) session(ctx context.Context, uploadID string, ownerID int64) (*database.UploadSession, error) {
	session, err := s.db.GetSession(ctx, uploadID, ownerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}
