package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"parcel/internal/core"
	"parcel/internal/server/database"
	"parcel/internal/server/jobs"
	"parcel/internal/server/locker"
	"parcel/internal/server/storage"
)

var errEmptyArchive = errors.New("archive is empty")

// ArchiveBuilder packages the files of a multi-file share into one zip.
type ArchiveBuilder struct {
	db    database.Store
	store storage.Store
	locks locker.Locker
}

func NewArchiveBuilder(db database.Store, store storage.Store, locks locker.Locker) *ArchiveBuilder {
	return &ArchiveBuilder{db: db, store: store, locks: locks}
}

// Handle implements jobs.Handler for build_archive jobs.
func (b *ArchiveBuilder) Handle(ctx context.Context, job jobs.Job) error {
	return b.Build(ctx, job.ShareID)
}

// Build creates the archive of a pending share. Builds of one share are
// serialized, so a redelivered job sees the result of the first one.
// A build failure marks the share failed and is not returned, so the job is
// not redelivered; owners retry explicitly.
func (b *ArchiveBuilder) Build(ctx context.Context, shareID int64) error {
	unlock, err := b.locks.Lock(ctx, "archive:"+strconv.FormatInt(shareID, 10))
	if err != nil {
		return fmt.Errorf("failed to lock share %d: %w", shareID, err)
	}
	defer unlock()

	share, err := b.db.GetShareByID(ctx, shareID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			slog.Info("archive skipped, share gone", "share_id", shareID)
			return nil
		}
		return err
	}

	archiveRel := b.store.ArchivePath(share.Path)
	if b.store.Exists(archiveRel) {
		return b.markReady(ctx, share)
	}
	if share.Status != database.SharePending {
		return nil
	}
	if share.FileCount <= 1 {
		return b.db.UpdateShareStatus(ctx, share.ID, database.ShareReady)
	}

	size, err := b.build(share.Path)
	if err != nil {
		// a committed archive outranks any later error
		if b.store.Exists(archiveRel) {
			slog.Warn("archive build failed after commit", "share_id", share.ID, "error", err)
			return b.markReady(ctx, share)
		}
		slog.Error("archive build failed", "share_id", share.ID, "error", err)
		if err := b.db.UpdateShareStatus(ctx, share.ID, database.ShareFailed); err != nil {
			return err
		}
		return nil
	}

	if err := b.db.UpdateShareStatus(ctx, share.ID, database.ShareReady); err != nil {
		return err
	}
	if err := b.store.RemoveAll(b.store.ShareDir(share.Path)); err != nil {
		slog.Warn("failed to remove share source directory", "share_id", share.ID, "error", err)
	}

	slog.Info("archive built", "share_id", share.ID, "files", share.FileCount, "archive_size", size)
	return nil
}

func (b *ArchiveBuilder) markReady(ctx context.Context, share *database.Share) error {
	if share.Status == database.SharePending {
		return b.db.UpdateShareStatus(ctx, share.ID, database.ShareReady)
	}
	return nil
}

// build writes a uniquely named partial next to {path}.zip and renames it
// into place.
func (b *ArchiveBuilder) build(sharePath string) (int64, error) {
	src, err := b.store.Path(b.store.ShareDir(sharePath))
	if err != nil {
		return 0, err
	}
	final, err := b.store.Path(b.store.ArchivePath(sharePath))
	if err != nil {
		return 0, err
	}

	tree, err := core.LoadDir(src)
	if err != nil {
		return 0, fmt.Errorf("failed to read share directory: %w", err)
	}

	out, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".*.partial")
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	partial := out.Name()
	n, err := tree.WriteZip(out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = errEmptyArchive
	}
	if err != nil {
		os.Remove(partial)
		return 0, err
	}

	info, err := os.Stat(partial)
	if err != nil || info.Size() == 0 {
		os.Remove(partial)
		return 0, errEmptyArchive
	}
	// CreateTemp uses 0600
	if err := os.Chmod(partial, 0644); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}
	return info.Size(), nil
}
