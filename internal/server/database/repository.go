package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Repository implements Store on PostgreSQL.
type Repository struct {
	db   *DB
	q    querier
	inTx bool
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, q: db.Pool}
}

// InTx runs fn inside a single database transaction. Nested calls reuse the
// outer transaction.
func (r *Repository) InTx(ctx context.Context, fn func(tx Store) error) error {
	if r.inTx {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		return fn(&Repository{db: r.db, q: tx, inTx: true})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectRows(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Users & invites ---

const userColumns = `id, name, email, is_guest, created_at`

func scanUser(row scanner) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.IsGuest, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a user and fills in its generated fields.
func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO users (name, email, is_guest) VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, user.Name, user.Email, user.IsGuest).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// DeleteUser removes a user. Their upload sessions cascade.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return expectRows(tag)
}

// DeleteStaleGuests removes guest identities created before cutoff.
func (r *Repository) DeleteStaleGuests(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM users WHERE is_guest AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale guests: %w", err)
	}
	return tag.RowsAffected(), nil
}

const inviteColumns = `id, user_id, guest_user_id, recipient_name, recipient_email, message, used_at, expires_at, created_at`

func scanInvite(row scanner) (*ReverseShareInvite, error) {
	inv := &ReverseShareInvite{}
	if err := row.Scan(
		&inv.ID,
		&inv.UserID,
		&inv.GuestUserID,
		&inv.RecipientName,
		&inv.RecipientEmail,
		&inv.Message,
		&inv.UsedAt,
		&inv.ExpiresAt,
		&inv.CreatedAt,
	); err != nil {
		return nil, err
	}
	return inv, nil
}

// CreateInvite inserts a reverse-share invite.
func (r *Repository) CreateInvite(ctx context.Context, invite *ReverseShareInvite) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO reverse_share_invites (
			user_id, guest_user_id, recipient_name, recipient_email, message, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		invite.UserID,
		invite.GuestUserID,
		invite.RecipientName,
		invite.RecipientEmail,
		invite.Message,
		invite.ExpiresAt,
	).Scan(&invite.ID, &invite.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

// GetInvite retrieves an invite by ID.
func (r *Repository) GetInvite(ctx context.Context, id int64) (*ReverseShareInvite, error) {
	inv, err := scanInvite(r.q.QueryRow(ctx, `SELECT `+inviteColumns+` FROM reverse_share_invites WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

// GetInviteByGuest finds the invite a guest identity was minted for.
func (r *Repository) GetInviteByGuest(ctx context.Context, guestUserID int64) (*ReverseShareInvite, error) {
	inv, err := scanInvite(r.q.QueryRow(ctx, `
		SELECT `+inviteColumns+` FROM reverse_share_invites
		WHERE guest_user_id = $1
		ORDER BY id DESC LIMIT 1
	`, guestUserID))
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

// CompleteInvite marks an invite used and detaches its guest.
func (r *Repository) CompleteInvite(ctx context.Context, id int64, usedAt time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE reverse_share_invites SET used_at = $2, guest_user_id = NULL WHERE id = $1
	`, id, usedAt)
	if err != nil {
		return fmt.Errorf("failed to complete invite: %w", err)
	}
	return expectRows(tag)
}

// --- Upload sessions & chunks ---

const sessionColumns = `id, upload_id, user_id, filename, filesize, filetype, total_chunks,
	chunks_received, status, file_id, created_at, updated_at`

func scanSession(row scanner) (*UploadSession, error) {
	s := &UploadSession{}
	if err := row.Scan(
		&s.ID,
		&s.UploadID,
		&s.UserID,
		&s.Filename,
		&s.Filesize,
		&s.Filetype,
		&s.TotalChunks,
		&s.ChunksReceived,
		&s.Status,
		&s.FileID,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSession inserts a new upload session. The upload id is globally unique.
func (r *Repository) CreateSession(ctx context.Context, session *UploadSession) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO upload_sessions (
			upload_id, user_id, filename, filesize, filetype, total_chunks, chunks_received, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`,
		session.UploadID,
		session.UserID,
		session.Filename,
		session.Filesize,
		session.Filetype,
		session.TotalChunks,
		session.ChunksReceived,
		session.Status,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// GetSession retrieves the session matching both upload id and owner.
func (r *Repository) GetSession(ctx context.Context, uploadID string, userID int64) (*UploadSession, error) {
	s, err := scanSession(r.q.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = $1 AND user_id = $2
	`, uploadID, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// UpsertChunk records a chunk, replacing any earlier record for the same index.
func (r *Repository) UpsertChunk(ctx context.Context, chunk *ChunkUpload) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO chunk_uploads (upload_session_id, chunk_index, chunk_size, chunk_path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (upload_session_id, chunk_index)
		DO UPDATE SET chunk_size = EXCLUDED.chunk_size, chunk_path = EXCLUDED.chunk_path, created_at = NOW()
		RETURNING id, created_at
	`, chunk.UploadSessionID, chunk.ChunkIndex, chunk.ChunkSize, chunk.ChunkPath).Scan(&chunk.ID, &chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}
	return nil
}

// RefreshSessionProgress recomputes chunks_received from the distinct stored
// indices and promotes the session to complete once every chunk is present.
func (r *Repository) RefreshSessionProgress(ctx context.Context, sessionID int64) (*UploadSession, error) {
	s, err := scanSession(r.q.QueryRow(ctx, `
		UPDATE upload_sessions s SET
			chunks_received = GREATEST(s.chunks_received, LEAST(c.n, s.total_chunks)),
			status = CASE
				WHEN s.status IN ('pending', 'failed') AND c.n >= s.total_chunks THEN 'complete'
				ELSE s.status
			END,
			updated_at = NOW()
		FROM (SELECT COUNT(*)::int AS n FROM chunk_uploads WHERE upload_session_id = $1) c
		WHERE s.id = $1
		RETURNING s.id, s.upload_id, s.user_id, s.filename, s.filesize, s.filetype, s.total_chunks,
			s.chunks_received, s.status, s.file_id, s.created_at, s.updated_at
	`, sessionID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ListChunks returns the session's chunks in ascending index order.
func (r *Repository) ListChunks(ctx context.Context, sessionID int64) ([]*ChunkUpload, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, upload_session_id, chunk_index, chunk_size, chunk_path, created_at
		FROM chunk_uploads WHERE upload_session_id = $1
		ORDER BY chunk_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*ChunkUpload
	for rows.Next() {
		c := &ChunkUpload{}
		if err := rows.Scan(&c.ID, &c.UploadSessionID, &c.ChunkIndex, &c.ChunkSize, &c.ChunkPath, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteChunks removes every chunk record of a session.
func (r *Repository) DeleteChunks(ctx context.Context, sessionID int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM chunk_uploads WHERE upload_session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// MarkSessionProcessed links the assembled file and closes the session. It
// returns ErrSessionClosed if another finalize got there first.
func (r *Repository) MarkSessionProcessed(ctx context.Context, sessionID, fileID int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE upload_sessions SET status = 'processed', file_id = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'processed'
	`, sessionID, fileID)
	if err != nil {
		return fmt.Errorf("failed to mark session processed: %w", err)
	}
	return r.sessionUpdated(ctx, tag, sessionID)
}

// SetSessionStatus overwrites the status of an open session.
func (r *Repository) SetSessionStatus(ctx context.Context, sessionID int64, status SessionStatus) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE upload_sessions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'processed'
	`, sessionID, status)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return r.sessionUpdated(ctx, tag, sessionID)
}

// sessionUpdated tells a missing session from a processed one when a
// conditional update matched no rows.
func (r *Repository) sessionUpdated(ctx context.Context, tag pgconn.CommandTag, sessionID int64) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM upload_sessions WHERE id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists {
		return ErrSessionClosed
	}
	return ErrNotFound
}

// DeleteSession removes a session; its chunk records cascade.
func (r *Repository) DeleteSession(ctx context.Context, sessionID int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteSessionsByFile removes sessions whose assembled file has been placed.
func (r *Repository) DeleteSessionsByFile(ctx context.Context, fileID int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM upload_sessions WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete sessions for file: %w", err)
	}
	return nil
}

// GetStaleSessions returns sessions created before cutoff.
func (r *Repository) GetStaleSessions(ctx context.Context, cutoff time.Time) ([]*UploadSession, error) {
	rows, err := r.q.Query(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// --- Files ---

const fileColumns = `id, share_id, name, type, size, temp_path, full_path, created_at`

func scanFile(row scanner) (*File, error) {
	f := &File{}
	if err := row.Scan(&f.ID, &f.ShareID, &f.Name, &f.Type, &f.Size, &f.TempPath, &f.FullPath, &f.CreatedAt); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Repository) queryFiles(ctx context.Context, sql string, args ...any) ([]*File, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CreateFile inserts a file record, staged or placed.
func (r *Repository) CreateFile(ctx context.Context, file *File) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO files (share_id, name, type, size, temp_path, full_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, file.ShareID, file.Name, file.Type, file.Size, file.TempPath, file.FullPath).Scan(&file.ID, &file.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID.
func (r *Repository) GetFile(ctx context.Context, id int64) (*File, error) {
	f, err := scanFile(r.q.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// GetFilesByIDs returns the files among ids that exist, ordered by id.
func (r *Repository) GetFilesByIDs(ctx context.Context, ids []int64) ([]*File, error) {
	return r.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ANY($1) ORDER BY id`, ids)
}

// GetFilesByShare returns the files placed in a share.
func (r *Repository) GetFilesByShare(ctx context.Context, shareID int64) ([]*File, error) {
	return r.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE share_id = $1 ORDER BY id`, shareID)
}

// PlaceFile moves a staged file record into a share.
func (r *Repository) PlaceFile(ctx context.Context, fileID, shareID int64, fullPath string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE files SET share_id = $2, full_path = $3, temp_path = NULL
		WHERE id = $1 AND share_id IS NULL AND temp_path IS NOT NULL
	`, fileID, shareID, fullPath)
	if err != nil {
		return fmt.Errorf("failed to place file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPlaceable
	}
	return nil
}

// GetStaleStagedFiles returns staged files created before cutoff.
func (r *Repository) GetStaleStagedFiles(ctx context.Context, cutoff time.Time) ([]*File, error) {
	return r.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE share_id IS NULL AND temp_path IS NOT NULL AND created_at < $1
	`, cutoff)
}

// DeleteFile removes a file record.
func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// --- Shares ---

const shareColumns = `id, user_id, invite_id, name, description, long_id, path, size, file_count,
	status, expires_at, download_limit, download_count, public, password_hash, created_at, updated_at`

func scanShare(row scanner) (*Share, error) {
	s := &Share{}
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.InviteID,
		&s.Name,
		&s.Description,
		&s.LongID,
		&s.Path,
		&s.Size,
		&s.FileCount,
		&s.Status,
		&s.ExpiresAt,
		&s.DownloadLimit,
		&s.DownloadCount,
		&s.Public,
		&s.PasswordHash,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) queryShares(ctx context.Context, sql string, args ...any) ([]*Share, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// LongIDExists reports whether a share already uses longID.
func (r *Repository) LongIDExists(ctx context.Context, longID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM shares WHERE long_id = $1)`, longID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check long id: %w", err)
	}
	return exists, nil
}

// CreateShare inserts a new share record.
func (r *Repository) CreateShare(ctx context.Context, share *Share) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO shares (
			user_id, invite_id, name, description, long_id, path, size, file_count,
			status, expires_at, download_limit, download_count, public, password_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`,
		share.UserID,
		share.InviteID,
		share.Name,
		share.Description,
		share.LongID,
		share.Path,
		share.Size,
		share.FileCount,
		share.Status,
		share.ExpiresAt,
		share.DownloadLimit,
		share.DownloadCount,
		share.Public,
		share.PasswordHash,
	).Scan(&share.ID, &share.CreatedAt, &share.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetShareByID retrieves a share by its numeric ID.
func (r *Repository) GetShareByID(ctx context.Context, id int64) (*Share, error) {
	s, err := scanShare(r.q.QueryRow(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// GetShareByLongID retrieves a share by its public slug.
func (r *Repository) GetShareByLongID(ctx context.Context, longID string) (*Share, error) {
	s, err := scanShare(r.q.QueryRow(ctx, `SELECT `+shareColumns+` FROM shares WHERE long_id = $1`, longID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ListSharesByUser returns a user's shares, newest first.
func (r *Repository) ListSharesByUser(ctx context.Context, userID int64, includeDeleted bool) ([]*Share, error) {
	return r.queryShares(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE user_id = $1 AND ($2 OR status <> 'deleted')
		ORDER BY created_at DESC, id DESC
	`, userID, includeDeleted)
}

// UpdateShareStatus sets a share's status.
func (r *Repository) UpdateShareStatus(ctx context.Context, id int64, status ShareStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE shares SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update share status: %w", err)
	}
	return expectRows(tag)
}

// SetShareExpiry sets a share's expiry timestamp.
func (r *Repository) SetShareExpiry(ctx context.Context, id int64, expiresAt time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE shares SET expires_at = $2, updated_at = NOW() WHERE id = $1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set share expiry: %w", err)
	}
	return expectRows(tag)
}

// SetDownloadLimit sets or clears (nil) a share's download limit.
func (r *Repository) SetDownloadLimit(ctx context.Context, id int64, limit *int) error {
	tag, err := r.q.Exec(ctx, `UPDATE shares SET download_limit = $2, updated_at = NOW() WHERE id = $1`, id, limit)
	if err != nil {
		return fmt.Errorf("failed to set download limit: %w", err)
	}
	return expectRows(tag)
}

// MarkExpiredSharesDeleted flags every expired share of a user for pruning.
func (r *Repository) MarkExpiredSharesDeleted(ctx context.Context, userID int64, now time.Time) ([]*Share, error) {
	return r.queryShares(ctx, `
		UPDATE shares SET status = 'deleted', updated_at = NOW()
		WHERE user_id = $1 AND expires_at < $2 AND status <> 'deleted'
		RETURNING `+shareColumns, userID, now)
}

// RecordDownload atomically bumps the download counter while under the
// limit and stores the download row.
func (r *Repository) RecordDownload(ctx context.Context, download *Download) (int, error) {
	var previous int
	err := r.InTx(ctx, func(tx Store) error {
		txr := tx.(*Repository)
		err := txr.q.QueryRow(ctx, `
			UPDATE shares SET download_count = download_count + 1, updated_at = NOW()
			WHERE id = $1 AND (download_limit IS NULL OR download_count < download_limit)
			RETURNING download_count - 1
		`, download.ShareID).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := txr.GetShareByID(ctx, download.ShareID); getErr != nil {
				return getErr
			}
			return ErrLimitReached
		}
		if err != nil {
			return fmt.Errorf("failed to increment download count: %w", err)
		}

		err = txr.q.QueryRow(ctx, `
			INSERT INTO downloads (share_id, ip_address, user_agent) VALUES ($1, $2, $3)
			RETURNING id, created_at
		`, download.ShareID, download.IPAddress, download.UserAgent).Scan(&download.ID, &download.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record download: %w", err)
		}
		return nil
	})
	return previous, err
}

// GetPrunableShares returns shares flagged deleted or expired before cutoff.
func (r *Repository) GetPrunableShares(ctx context.Context, cutoff time.Time) ([]*Share, error) {
	return r.queryShares(ctx, `
		SELECT `+shareColumns+` FROM shares WHERE status = 'deleted' OR expires_at < $1
	`, cutoff)
}

// DeleteShare removes a share; files and downloads cascade.
func (r *Repository) DeleteShare(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM shares WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	return expectRows(tag)
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.q.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at > NOW() AND status <> 'deleted'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(size) FILTER (WHERE status <> 'deleted'), 0),
			(SELECT COUNT(*) FROM upload_sessions WHERE status <> 'processed')
		FROM shares
	`).Scan(
		&stats.TotalShares,
		&stats.ActiveShares,
		&stats.PendingShares,
		&stats.TotalDownloads,
		&stats.StorageUsed,
		&stats.OpenSessions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
