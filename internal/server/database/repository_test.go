package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestDB starts a postgres container and returns a migrated DB.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("PARCEL_INTEGRATION") != "1" {
		t.Skip("set PARCEL_INTEGRATION=1 to run postgres integration tests")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "parcel",
			"POSTGRES_PASSWORD": "parcel",
			"POSTGRES_DB":       "parcel",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://parcel:parcel@%s:%s/parcel?sslmode=disable", host, port.Port())
	db, err := New(ctx, url, 10)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.RunMigrations(ctx))
	return db
}

func seedShare(t *testing.T, ctx context.Context, store Store, limit *int) (*User, *Share) {
	t.Helper()
	user := &User{Name: "Ada", Email: fmt.Sprintf("ada-%d@example.com", time.Now().UnixNano())}
	require.NoError(t, store.CreateUser(ctx, user))

	share := &Share{
		UserID:        &user.ID,
		Name:          "holiday",
		LongID:        fmt.Sprintf("brave-otter-%d", time.Now().UnixNano()),
		Path:          fmt.Sprintf("%d/x", user.ID),
		FileCount:     1,
		Status:        ShareReady,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
		DownloadLimit: limit,
		Public:        true,
	}
	require.NoError(t, store.CreateShare(ctx, share))
	return user, share
}

func TestRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	t.Run("duplicate upload id", func(t *testing.T) {
		user, _ := seedShare(t, ctx, repo, nil)
		s := &UploadSession{UploadID: "dup-1", UserID: user.ID, Filename: "a.bin", Filesize: 10, TotalChunks: 2, Status: SessionPending}
		require.NoError(t, repo.CreateSession(ctx, s))

		again := *s
		assert.ErrorIs(t, repo.CreateSession(ctx, &again), ErrDuplicate)
	})

	t.Run("progress counts distinct chunks", func(t *testing.T) {
		user, _ := seedShare(t, ctx, repo, nil)
		s := &UploadSession{UploadID: "progress-1", UserID: user.ID, Filename: "a.bin", Filesize: 10, TotalChunks: 2, Status: SessionPending}
		require.NoError(t, repo.CreateSession(ctx, s))

		for _, idx := range []int{0, 0, 1} {
			require.NoError(t, repo.UpsertChunk(ctx, &ChunkUpload{UploadSessionID: s.ID, ChunkIndex: idx, ChunkSize: 5, ChunkPath: "p"}))
		}
		got, err := repo.RefreshSessionProgress(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ChunksReceived)
		assert.Equal(t, SessionComplete, got.Status)

		chunks, err := repo.ListChunks(ctx, s.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, 2)
	})

	t.Run("processed session is final", func(t *testing.T) {
		user, _ := seedShare(t, ctx, repo, nil)
		s := &UploadSession{UploadID: "final-1", UserID: user.ID, Filename: "a.bin", Filesize: 1, TotalChunks: 1, Status: SessionComplete}
		require.NoError(t, repo.CreateSession(ctx, s))

		tmp := "temp/1/a.bin"
		first := &File{Name: "a.bin", Size: 1, TempPath: &tmp}
		require.NoError(t, repo.CreateFile(ctx, first))
		require.NoError(t, repo.MarkSessionProcessed(ctx, s.ID, first.ID))

		var second File
		err := repo.InTx(ctx, func(tx Store) error {
			second = File{Name: "a.bin", Size: 1, TempPath: &tmp}
			if err := tx.CreateFile(ctx, &second); err != nil {
				return err
			}
			return tx.MarkSessionProcessed(ctx, s.ID, second.ID)
		})
		assert.ErrorIs(t, err, ErrSessionClosed)
		_, err = repo.GetFile(ctx, second.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, repo.SetSessionStatus(ctx, s.ID, SessionFailed), ErrSessionClosed)
		got, err := repo.GetSession(ctx, "final-1", user.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionProcessed, got.Status)
		require.NotNil(t, got.FileID)
		assert.Equal(t, first.ID, *got.FileID)

		assert.ErrorIs(t, repo.MarkSessionProcessed(ctx, -1, first.ID), ErrNotFound)
	})

	t.Run("place file only once", func(t *testing.T) {
		_, share := seedShare(t, ctx, repo, nil)
		tmp := "temp/1/x.bin"
		f := &File{Name: "x.bin", Type: "application/octet-stream", Size: 3, TempPath: &tmp}
		require.NoError(t, repo.CreateFile(ctx, f))

		require.NoError(t, repo.PlaceFile(ctx, f.ID, share.ID, "docs"))
		assert.ErrorIs(t, repo.PlaceFile(ctx, f.ID, share.ID, "docs"), ErrNotPlaceable)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		user, _ := seedShare(t, ctx, repo, nil)
		err := repo.InTx(ctx, func(tx Store) error {
			require.NoError(t, tx.DeleteUser(ctx, user.ID))
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		_, err = repo.GetUser(ctx, user.ID)
		assert.NoError(t, err)
	})

	t.Run("concurrent downloads respect limit", func(t *testing.T) {
		limit := 3
		_, share := seedShare(t, ctx, repo, &limit)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ok      int
			firsts  int
			limited int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				prev, err := repo.RecordDownload(ctx, &Download{ShareID: share.ID, IPAddress: "127.0.0.1"})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
					if prev == 0 {
						firsts++
					}
				case err == ErrLimitReached:
					limited++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, ok)
		assert.Equal(t, 1, firsts)
		assert.Equal(t, 7, limited)

		got, err := repo.GetShareByID(ctx, share.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.DownloadCount)
	})
}
