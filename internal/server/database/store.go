package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("record already exists")
	ErrLimitReached = errors.New("download limit reached")
	ErrNotPlaceable = errors.New("file is not staged")
	// ErrSessionClosed is returned when changing a session that was already
	// processed. A processed session is final.
	ErrSessionClosed = errors.New("upload session already processed")
)

// Store is the persistence boundary of the service layer. Repository
// implements it on PostgreSQL and MemoryStore in process.
type Store interface {
	// InTx runs fn against a transactional view of the store. Returning an
	// error from fn rolls back every write made through that view.
	InTx(ctx context.Context, fn func(tx Store) error) error

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	DeleteUser(ctx context.Context, id int64) error
	DeleteStaleGuests(ctx context.Context, cutoff time.Time) (int64, error)

	CreateInvite(ctx context.Context, invite *ReverseShareInvite) error
	GetInvite(ctx context.Context, id int64) (*ReverseShareInvite, error)
	GetInviteByGuest(ctx context.Context, guestUserID int64) (*ReverseShareInvite, error)
	CompleteInvite(ctx context.Context, id int64, usedAt time.Time) error

	CreateSession(ctx context.Context, session *UploadSession) error
	GetSession(ctx context.Context, uploadID string, userID int64) (*UploadSession, error)
	UpsertChunk(ctx context.Context, chunk *ChunkUpload) error
	RefreshSessionProgress(ctx context.Context, sessionID int64) (*UploadSession, error)
	ListChunks(ctx context.Context, sessionID int64) ([]*ChunkUpload, error)
	DeleteChunks(ctx context.Context, sessionID int64) error
	MarkSessionProcessed(ctx context.Context, sessionID, fileID int64) error
	SetSessionStatus(ctx context.Context, sessionID int64, status SessionStatus) error
	DeleteSession(ctx context.Context, sessionID int64) error
	DeleteSessionsByFile(ctx context.Context, fileID int64) error
	GetStaleSessions(ctx context.Context, cutoff time.Time) ([]*UploadSession, error)

	CreateFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, id int64) (*File, error)
	GetFilesByIDs(ctx context.Context, ids []int64) ([]*File, error)
	GetFilesByShare(ctx context.Context, shareID int64) ([]*File, error)
	PlaceFile(ctx context.Context, fileID, shareID int64, fullPath string) error
	GetStaleStagedFiles(ctx context.Context, cutoff time.Time) ([]*File, error)
	DeleteFile(ctx context.Context, id int64) error

	LongIDExists(ctx context.Context, longID string) (bool, error)
	CreateShare(ctx context.Context, share *Share) error
	GetShareByID(ctx context.Context, id int64) (*Share, error)
	GetShareByLongID(ctx context.Context, longID string) (*Share, error)
	ListSharesByUser(ctx context.Context, userID int64, includeDeleted bool) ([]*Share, error)
	UpdateShareStatus(ctx context.Context, id int64, status ShareStatus) error
	SetShareExpiry(ctx context.Context, id int64, expiresAt time.Time) error
	SetDownloadLimit(ctx context.Context, id int64, limit *int) error
	MarkExpiredSharesDeleted(ctx context.Context, userID int64, now time.Time) ([]*Share, error)
	// RecordDownload inserts the download row and increments the share's
	// counter only while it is below the limit. It returns the counter value
	// before the increment, or ErrLimitReached.
	RecordDownload(ctx context.Context, download *Download) (int, error)
	GetPrunableShares(ctx context.Context, cutoff time.Time) ([]*Share, error)
	DeleteShare(ctx context.Context, id int64) error

	GetStats(ctx context.Context) (*Stats, error)
}
