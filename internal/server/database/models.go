package database

import "time"

// SessionStatus is the lifecycle state of a chunked upload session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionComplete  SessionStatus = "complete"
	SessionProcessed SessionStatus = "processed"
	SessionFailed    SessionStatus = "failed"
)

// ShareStatus is the delivery state of a share.
type ShareStatus string

const (
	SharePending ShareStatus = "pending"
	ShareReady   ShareStatus = "ready"
	ShareFailed  ShareStatus = "failed"
	ShareDeleted ShareStatus = "deleted"
)

// User is an account able to own shares. Guests are short-lived identities
// minted for reverse-share invites.
type User struct {
	ID        int64
	Name      string
	Email     string
	IsGuest   bool
	CreatedAt time.Time
}

// ReverseShareInvite lets an outside party upload a share on behalf of UserID.
type ReverseShareInvite struct {
	ID             int64
	UserID         int64
	GuestUserID    *int64
	RecipientName  string
	RecipientEmail string
	Message        string
	UsedAt         *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// UploadSession tracks one logical file uploaded in chunks.
type UploadSession struct {
	ID             int64
	UploadID       string
	UserID         int64
	Filename       string
	Filesize       int64
	Filetype       string
	TotalChunks    int
	ChunksReceived int
	Status         SessionStatus
	FileID         *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChunkUpload is one stored byte range of an upload session.
type ChunkUpload struct {
	ID              int64
	UploadSessionID int64
	ChunkIndex      int
	ChunkSize       int64
	ChunkPath       string
	CreatedAt       time.Time
}

// File is either staged (TempPath set) or placed in a share (ShareID set).
type File struct {
	ID        int64
	ShareID   *int64
	Name      string
	Type      string
	Size      int64
	TempPath  *string
	FullPath  string
	CreatedAt time.Time
}

// Staged reports whether the file still lives in temporary storage.
func (f *File) Staged() bool {
	return f.ShareID == nil && f.TempPath != nil
}

// Share is the unit a recipient downloads.
type Share struct {
	ID            int64
	UserID        *int64
	InviteID      *int64
	Name          string
	Description   string
	LongID        string
	Path          string
	Size          int64
	FileCount     int
	Status        ShareStatus
	ExpiresAt     time.Time
	DownloadLimit *int
	DownloadCount int
	Public        bool
	PasswordHash  *string // nil when no password set
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the share is past its expiry at now.
func (s *Share) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// LimitReached reports whether the download limit has been consumed.
func (s *Share) LimitReached() bool {
	return s.DownloadLimit != nil && s.DownloadCount >= *s.DownloadLimit
}

// Download records one successful share download.
type Download struct {
	ID        int64
	ShareID   int64
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalShares    int64
	ActiveShares   int64
	PendingShares  int64
	TotalDownloads int64
	StorageUsed    int64
	OpenSessions   int64
}
