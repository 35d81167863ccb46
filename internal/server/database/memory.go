package database

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

type memState struct {
	nextID    int64
	users     map[int64]*User
	invites   map[int64]*ReverseShareInvite
	sessions  map[int64]*UploadSession
	chunks    map[int64]*ChunkUpload
	files     map[int64]*File
	shares    map[int64]*Share
	downloads map[int64]*Download
}

func newMemState() *memState {
	return &memState{
		users:     map[int64]*User{},
		invites:   map[int64]*ReverseShareInvite{},
		sessions:  map[int64]*UploadSession{},
		chunks:    map[int64]*ChunkUpload{},
		files:     map[int64]*File{},
		shares:    map[int64]*Share{},
		downloads: map[int64]*Download{},
	}
}

func cloneMap[V any](m map[int64]*V) map[int64]*V {
	out := make(map[int64]*V, len(m))
	for k, v := range m {
		c := *v
		out[k] = &c
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		nextID:    st.nextID,
		users:     cloneMap(st.users),
		invites:   cloneMap(st.invites),
		sessions:  cloneMap(st.sessions),
		chunks:    cloneMap(st.chunks),
		files:     cloneMap(st.files),
		shares:    cloneMap(st.shares),
		downloads: cloneMap(st.downloads),
	}
}

func (st *memState) id() int64 {
	st.nextID++
	return st.nextID
}

// MemoryStore is an in-process Store for single-node development and tests.
// Transactions hold the store lock for their whole duration and roll back by
// restoring a snapshot.
type MemoryStore struct {
	mu     *sync.Mutex
	st     **memState
	locked bool
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	st := newMemState()
	return &MemoryStore{mu: &sync.Mutex{}, st: &st, now: time.Now}
}

// SetClock replaces the time source used for generated timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryStore) lock() (*memState, func()) {
	if m.locked {
		return *m.st, func() {}
	}
	m.mu.Lock()
	return *m.st, m.mu.Unlock
}

// InTx runs fn with exclusive access to the store and restores the previous
// state when fn returns an error.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.locked {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := (*m.st).clone()
	tx := &MemoryStore{mu: m.mu, st: m.st, locked: true, now: m.now}
	if err := fn(tx); err != nil {
		*m.st = snapshot
		return err
	}
	return nil
}

func copyOf[V any](v *V) *V {
	c := *v
	return &c
}

// --- Users & invites ---

func (m *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	st, unlock := m.lock()
	defer unlock()

	for _, u := range st.users {
		if u.Email == user.Email && user.Email != "" {
			return ErrDuplicate
		}
	}
	user.ID = st.id()
	user.CreatedAt = m.now()
	st.users[user.ID] = copyOf(user)
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	st, unlock := m.lock()
	defer unlock()

	u, ok := st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(u), nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id int64) error {
	st, unlock := m.lock()
	defer unlock()

	if _, ok := st.users[id]; !ok {
		return ErrNotFound
	}
	st.deleteUser(id)
	return nil
}

func (st *memState) deleteUser(id int64) {
	delete(st.users, id)
	for sid, s := range st.sessions {
		if s.UserID == id {
			st.deleteSession(sid)
		}
	}
	for _, sh := range st.shares {
		if sh.UserID != nil && *sh.UserID == id {
			sh.UserID = nil
		}
	}
	for _, inv := range st.invites {
		if inv.GuestUserID != nil && *inv.GuestUserID == id {
			inv.GuestUserID = nil
		}
	}
}

func (m *MemoryStore) DeleteStaleGuests(ctx context.Context, cutoff time.Time) (int64, error) {
	st, unlock := m.lock()
	defer unlock()

	var n int64
	for id, u := range st.users {
		if u.IsGuest && u.CreatedAt.Before(cutoff) {
			st.deleteUser(id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateInvite(ctx context.Context, invite *ReverseShareInvite) error {
	st, unlock := m.lock()
	defer unlock()

	invite.ID = st.id()
	invite.CreatedAt = m.now()
	st.invites[invite.ID] = copyOf(invite)
	return nil
}

func (m *MemoryStore) GetInvite(ctx context.Context, id int64) (*ReverseShareInvite, error) {
	st, unlock := m.lock()
	defer unlock()

	inv, ok := st.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(inv), nil
}

func (m *MemoryStore) GetInviteByGuest(ctx context.Context, guestUserID int64) (*ReverseShareInvite, error) {
	st, unlock := m.lock()
	defer unlock()

	var found *ReverseShareInvite
	for _, inv := range st.invites {
		if inv.GuestUserID != nil && *inv.GuestUserID == guestUserID {
			if found == nil || inv.ID > found.ID {
				found = inv
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyOf(found), nil
}

func (m *MemoryStore) CompleteInvite(ctx context.Context, id int64, usedAt time.Time) error {
	st, unlock := m.lock()
	defer unlock()

	inv, ok := st.invites[id]
	if !ok {
		return ErrNotFound
	}
	inv.UsedAt = &usedAt
	inv.GuestUserID = nil
	return nil
}

// --- Upload sessions & chunks ---

func (m *MemoryStore) CreateSession(ctx context.Context, session *UploadSession) error {
	st, unlock := m.lock()
	defer unlock()

	for _, s := range st.sessions {
		if s.UploadID == session.UploadID {
			return ErrDuplicate
		}
	}
	now := m.now()
	session.ID = st.id()
	session.CreatedAt = now
	session.UpdatedAt = now
	st.sessions[session.ID] = copyOf(session)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, uploadID string, userID int64) (*UploadSession, error) {
	st, unlock := m.lock()
	defer unlock()

	for _, s := range st.sessions {
		if s.UploadID == uploadID && s.UserID == userID {
			return copyOf(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpsertChunk(ctx context.Context, chunk *ChunkUpload) error {
	st, unlock := m.lock()
	defer unlock()

	for _, c := range st.chunks {
		if c.UploadSessionID == chunk.UploadSessionID && c.ChunkIndex == chunk.ChunkIndex {
			c.ChunkSize = chunk.ChunkSize
			c.ChunkPath = chunk.ChunkPath
			c.CreatedAt = m.now()
			chunk.ID = c.ID
			chunk.CreatedAt = c.CreatedAt
			return nil
		}
	}
	chunk.ID = st.id()
	chunk.CreatedAt = m.now()
	st.chunks[chunk.ID] = copyOf(chunk)
	return nil
}

func (m *MemoryStore) RefreshSessionProgress(ctx context.Context, sessionID int64) (*UploadSession, error) {
	st, unlock := m.lock()
	defer unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	n := 0
	for _, c := range st.chunks {
		if c.UploadSessionID == sessionID {
			n++
		}
	}
	s.ChunksReceived = max(s.ChunksReceived, min(n, s.TotalChunks))
	if (s.Status == SessionPending || s.Status == SessionFailed) && n >= s.TotalChunks {
		s.Status = SessionComplete
	}
	s.UpdatedAt = m.now()
	return copyOf(s), nil
}

func (m *MemoryStore) ListChunks(ctx context.Context, sessionID int64) ([]*ChunkUpload, error) {
	st, unlock := m.lock()
	defer unlock()

	var out []*ChunkUpload
	for _, c := range st.chunks {
		if c.UploadSessionID == sessionID {
			out = append(out, copyOf(c))
		}
	}
	slices.SortFunc(out, func(a, b *ChunkUpload) int { return cmp.Compare(a.ChunkIndex, b.ChunkIndex) })
	return out, nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, sessionID int64) error {
	st, unlock := m.lock()
	defer unlock()

	st.deleteChunks(sessionID)
	return nil
}

func (st *memState) deleteChunks(sessionID int64) {
	for id, c := range st.chunks {
		if c.UploadSessionID == sessionID {
			delete(st.chunks, id)
		}
	}
}

func (st *memState) deleteSession(sessionID int64) {
	st.deleteChunks(sessionID)
	delete(st.sessions, sessionID)
}

func (m *MemoryStore) MarkSessionProcessed(ctx context.Context, sessionID, fileID int64) error {
	st, unlock := m.lock()
	defer unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status == SessionProcessed {
		return ErrSessionClosed
	}
	s.Status = SessionProcessed
	s.FileID = &fileID
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetSessionStatus(ctx context.Context, sessionID int64, status SessionStatus) error {
	st, unlock := m.lock()
	defer unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status == SessionProcessed {
		return ErrSessionClosed
	}
	s.Status = status
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID int64) error {
	st, unlock := m.lock()
	defer unlock()

	st.deleteSession(sessionID)
	return nil
}

func (m *MemoryStore) DeleteSessionsByFile(ctx context.Context, fileID int64) error {
	st, unlock := m.lock()
	defer unlock()

	for id, s := range st.sessions {
		if s.FileID != nil && *s.FileID == fileID {
			st.deleteSession(id)
		}
	}
	return nil
}

func (m *MemoryStore) GetStaleSessions(ctx context.Context, cutoff time.Time) ([]*UploadSession, error) {
	st, unlock := m.lock()
	defer unlock()

	var out []*UploadSession
	for _, s := range st.sessions {
		if s.CreatedAt.Before(cutoff) {
			out = append(out, copyOf(s))
		}
	}
	return out, nil
}

// --- Files ---

func (m *MemoryStore) CreateFile(ctx context.Context, file *File) error {
	st, unlock := m.lock()
	defer unlock()

	file.ID = st.id()
	file.CreatedAt = m.now()
	st.files[file.ID] = copyOf(file)
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, id int64) (*File, error) {
	st, unlock := m.lock()
	defer unlock()

	f, ok := st.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(f), nil
}

func (m *MemoryStore) filesWhere(st *memState, keep func(*File) bool) []*File {
	var out []*File
	for _, f := range st.files {
		if keep(f) {
			out = append(out, copyOf(f))
		}
	}
	slices.SortFunc(out, func(a, b *File) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *MemoryStore) GetFilesByIDs(ctx context.Context, ids []int64) ([]*File, error) {
	st, unlock := m.lock()
	defer unlock()

	return m.filesWhere(st, func(f *File) bool { return slices.Contains(ids, f.ID) }), nil
}

func (m *MemoryStore) GetFilesByShare(ctx context.Context, shareID int64) ([]*File, error) {
	st, unlock := m.lock()
	defer unlock()

	return m.filesWhere(st, func(f *File) bool { return f.ShareID != nil && *f.ShareID == shareID }), nil
}

func (m *MemoryStore) PlaceFile(ctx context.Context, fileID, shareID int64, fullPath string) error {
	st, unlock := m.lock()
	defer unlock()

	f, ok := st.files[fileID]
	if !ok || !f.Staged() {
		return ErrNotPlaceable
	}
	f.ShareID = &shareID
	f.FullPath = fullPath
	f.TempPath = nil
	return nil
}

func (m *MemoryStore) GetStaleStagedFiles(ctx context.Context, cutoff time.Time) ([]*File, error) {
	st, unlock := m.lock()
	defer unlock()

	return m.filesWhere(st, func(f *File) bool { return f.Staged() && f.CreatedAt.Before(cutoff) }), nil
}

func (m *MemoryStore) DeleteFile(ctx context.Context, id int64) error {
	st, unlock := m.lock()
	defer unlock()

	delete(st.files, id)
	return nil
}

// --- Shares ---

func (m *MemoryStore) LongIDExists(ctx context.Context, longID string) (bool, error) {
	st, unlock := m.lock()
	defer unlock()

	for _, s := range st.shares {
		if s.LongID == longID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateShare(ctx context.Context, share *Share) error {
	st, unlock := m.lock()
	defer unlock()

	for _, s := range st.shares {
		if s.LongID == share.LongID {
			return ErrDuplicate
		}
	}
	now := m.now()
	share.ID = st.id()
	share.CreatedAt = now
	share.UpdatedAt = now
	st.shares[share.ID] = copyOf(share)
	return nil
}

func (m *MemoryStore) GetShareByID(ctx context.Context, id int64) (*Share, error) {
	st, unlock := m.lock()
	defer unlock()

	s, ok := st.shares[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(s), nil
}

func (m *MemoryStore) GetShareByLongID(ctx context.Context, longID string) (*Share, error) {
	st, unlock := m.lock()
	defer unlock()

	for _, s := range st.shares {
		if s.LongID == longID {
			return copyOf(s), nil
		}
	}
	return nil, ErrNotFound
}

func sortNewestFirst(shares []*Share) {
	slices.SortFunc(shares, func(a, b *Share) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func (m *MemoryStore) ListSharesByUser(ctx context.Context, userID int64, includeDeleted bool) ([]*Share, error) {
	st, unlock := m.lock()
	defer unlock()

	var out []*Share
	for _, s := range st.shares {
		if s.UserID == nil || *s.UserID != userID {
			continue
		}
		if s.Status == ShareDeleted && !includeDeleted {
			continue
		}
		out = append(out, copyOf(s))
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) updateShare(id int64, fn func(*Share)) error {
	st, unlock := m.lock()
	defer unlock()

	s, ok := st.shares[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateShareStatus(ctx context.Context, id int64, status ShareStatus) error {
	return m.updateShare(id, func(s *Share) { s.Status = status })
}

func (m *MemoryStore) SetShareExpiry(ctx context.Context, id int64, expiresAt time.Time) error {
	return m.updateShare(id, func(s *Share) { s.ExpiresAt = expiresAt })
}

func (m *MemoryStore) SetDownloadLimit(ctx context.Context, id int64, limit *int) error {
	return m.updateShare(id, func(s *Share) {
		if limit == nil {
			s.DownloadLimit = nil
			return
		}
		l := *limit
		s.DownloadLimit = &l
	})
}

func (m *MemoryStore) MarkExpiredSharesDeleted(ctx context.Context, userID int64, now time.Time) ([]*Share, error) {
	st, unlock := m.lock()
	defer unlock()

	var out []*Share
	for _, s := range st.shares {
		if s.UserID == nil || *s.UserID != userID || s.Status == ShareDeleted || !s.ExpiresAt.Before(now) {
			continue
		}
		s.Status = ShareDeleted
		s.UpdatedAt = m.now()
		out = append(out, copyOf(s))
	}
	return out, nil
}

func (m *MemoryStore) RecordDownload(ctx context.Context, download *Download) (int, error) {
	st, unlock := m.lock()
	defer unlock()

	s, ok := st.shares[download.ShareID]
	if !ok {
		return 0, ErrNotFound
	}
	if s.LimitReached() {
		return 0, ErrLimitReached
	}
	previous := s.DownloadCount
	s.DownloadCount++
	s.UpdatedAt = m.now()

	download.ID = st.id()
	download.CreatedAt = m.now()
	st.downloads[download.ID] = copyOf(download)
	return previous, nil
}

func (m *MemoryStore) GetPrunableShares(ctx context.Context, cutoff time.Time) ([]*Share, error) {
	st, unlock := m.lock()
	defer unlock()

	var out []*Share
	for _, s := range st.shares {
		if s.Status == ShareDeleted || s.ExpiresAt.Before(cutoff) {
			out = append(out, copyOf(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteShare(ctx context.Context, id int64) error {
	st, unlock := m.lock()
	defer unlock()

	if _, ok := st.shares[id]; !ok {
		return ErrNotFound
	}
	delete(st.shares, id)
	for fid, f := range st.files {
		if f.ShareID != nil && *f.ShareID == id {
			delete(st.files, fid)
		}
	}
	for did, d := range st.downloads {
		if d.ShareID == id {
			delete(st.downloads, did)
		}
	}
	return nil
}

func (m *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	st, unlock := m.lock()
	defer unlock()

	now := m.now()
	stats := &Stats{}
	for _, s := range st.shares {
		stats.TotalShares++
		stats.TotalDownloads += int64(s.DownloadCount)
		if s.Status == SharePending {
			stats.PendingShares++
		}
		if s.Status != ShareDeleted {
			stats.StorageUsed += s.Size
			if s.ExpiresAt.After(now) {
				stats.ActiveShares++
			}
		}
	}
	for _, s := range st.sessions {
		if s.Status != SessionProcessed {
			stats.OpenSessions++
		}
	}
	return stats, nil
}
