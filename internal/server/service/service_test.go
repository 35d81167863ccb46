package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parcel/internal/server/auth"
	"parcel/internal/server/config"
	"parcel/internal/server/database"
	"parcel/internal/server/jobs"
	"parcel/internal/server/locker"
	"parcel/internal/server/notify"
	"parcel/internal/server/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, to string, kind notify.Kind, data map[string]any) {
	m.Called(ctx, to, kind, data)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) enqueued() []jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobs.Job(nil), q.jobs...)
}

// --- Environment ---

type testEnv struct {
	db       *database.MemoryStore
	store    *storage.FileSystemStore
	queue    *fakeQueue
	notifier *mockNotifier
	settings config.Settings
	issuer   *auth.Issuer

	uploads  *UploadService
	shares   *ShareService
	archives *ArchiveBuilder
	invites  *InviteService

	owner *database.User
	id    *auth.Identity
}

func testSettings() config.Settings {
	return config.Settings{
		BaseURL:                "http://parcel.test",
		MaxUploadSize:          1 << 20,
		MaxExpiryDays:          30,
		ExtendDays:             7,
		ChunkedUploads:         true,
		DirectUploads:          true,
		ShareDownloadedEnabled: true,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, store.EnsureDir())

	env := &testEnv{
		db:       database.NewMemoryStore(),
		store:    store,
		queue:    &fakeQueue{},
		notifier: &mockNotifier{},
		settings: testSettings(),
		issuer:   auth.NewIssuer("test-secret", time.Hour),
	}
	env.notifier.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()

	env.uploads = NewUploadService(env.db, store, locker.NewLocal(), env.settings)
	env.shares = NewShareService(env.db, store, env.queue, env.notifier, env.settings)
	env.archives = NewArchiveBuilder(env.db, store, locker.NewLocal())
	env.invites = NewInviteService(env.db, env.issuer, env.notifier, env.settings, 7*24*time.Hour)

	env.owner, env.id = env.newUser(t, "owner@example.com")
	return env
}

func (e *testEnv) newUser(t *testing.T, email string) (*database.User, *auth.Identity) {
	t.Helper()
	u := &database.User{Name: email, Email: email}
	require.NoError(t, e.db.CreateUser(context.Background(), u))
	return u, &auth.Identity{UserID: u.ID, Email: u.Email}
}

// uploadFile sends content in chunks of chunkSize and finalizes it.
func (e *testEnv) uploadFile(t *testing.T, id *auth.Identity, name, content string, chunkSize int) *database.File {
	t.Helper()
	ctx := context.Background()

	total := (len(content) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	uploadID := uuid.NewString()
	_, err := e.uploads.OpenSession(ctx, OpenSessionParams{
		OwnerID:     id.UserID,
		UploadID:    uploadID,
		Filename:    name,
		Size:        int64(len(content)),
		TotalChunks: total,
	})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(content))
		_, err := e.uploads.ReceiveChunk(ctx, uploadID, id.UserID, i, bytes.NewReader([]byte(content[i*chunkSize:end])))
		require.NoError(t, err)
	}

	f, err := e.uploads.Finalize(ctx, uploadID, id.UserID)
	require.NoError(t, err)
	return f
}

func (e *testEnv) shareParams(name string) ShareParams {
	return ShareParams{
		Name:      name,
		ExpiresAt: time.Now().Add(48 * time.Hour),
	}
}

func isValidation(err error, field string) bool {
	var v *ValidationError
	if !errors.As(err, &v) {
		return false
	}
	_, ok := v.Fields[field]
	return ok
}
