package storage

import (
	"context"
	"log/slog"
	"time"

	"parcel/internal/server/database"
)

// CleanupConfig controls how old orphaned state must be before a sweep
// removes it.
type CleanupConfig struct {
	Interval         time.Duration
	ShareGracePeriod time.Duration
	SessionRetention time.Duration
	GuestRetention   time.Duration
}

// CleanupService periodically removes expired shares and orphaned upload
// state from both the database and file storage. Each tick calls dispatch,
// which normally enqueues a maintenance job whose handler calls Sweep.
type CleanupService struct {
	db       database.Store
	store    Store
	cfg      CleanupConfig
	dispatch func(ctx context.Context) error
	now      func() time.Time
	done     chan struct{}
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Shares   int
	Sessions int
	Files    int
	Guests   int64
	Failed   int
}

// NewCleanupService creates a new cleanup service. A nil dispatch runs the
// sweep inline on every tick.
func NewCleanupService(db database.Store, store Store, cfg CleanupConfig, dispatch func(ctx context.Context) error) *CleanupService {
	cs := &CleanupService{
		db:       db,
		store:    store,
		cfg:      cfg,
		dispatch: dispatch,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if cs.dispatch == nil {
		cs.dispatch = func(ctx context.Context) error {
			_, err := cs.Sweep(ctx)
			return err
		}
	}
	return cs
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.cfg.Interval)

	go func() {
		ticker := time.NewTicker(cs.cfg.Interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.trigger(ctx)

		for {
			select {
			case <-ticker.C:
				cs.trigger(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) trigger(ctx context.Context) {
	if err := cs.dispatch(ctx); err != nil {
		slog.Error("failed to dispatch cleanup", "error", err)
	}
}

// Sweep runs one cleanup cycle. Individual failures are logged and counted;
// only a failure to list candidates aborts the sweep.
func (cs *CleanupService) Sweep(ctx context.Context) (*SweepResult, error) {
	slog.Info("running cleanup cycle")
	now := cs.now()
	res := &SweepResult{}

	if err := cs.sweepShares(ctx, now, res); err != nil {
		return res, err
	}
	if err := cs.sweepSessions(ctx, now, res); err != nil {
		return res, err
	}
	if err := cs.sweepStagedFiles(ctx, now, res); err != nil {
		return res, err
	}

	guests, err := cs.db.DeleteStaleGuests(ctx, now.Add(-cs.cfg.GuestRetention))
	if err != nil {
		slog.Error("failed to delete stale guests", "error", err)
		res.Failed++
	}
	res.Guests = guests

	slog.Info("cleanup cycle complete",
		"shares", res.Shares,
		"sessions", res.Sessions,
		"files", res.Files,
		"guests", res.Guests,
		"failed", res.Failed,
	)
	return res, nil
}

func (cs *CleanupService) sweepShares(ctx context.Context, now time.Time, res *SweepResult) error {
	shares, err := cs.db.GetPrunableShares(ctx, now.Add(-cs.cfg.ShareGracePeriod))
	if err != nil {
		slog.Error("failed to get prunable shares", "error", err)
		return err
	}

	for _, share := range shares {
		if err := cs.store.RemoveAll(cs.store.ShareDir(share.Path)); err != nil {
			slog.Error("failed to delete share directory", "share_id", share.ID, "error", err)
			res.Failed++
			continue
		}
		if err := cs.store.Remove(cs.store.ArchivePath(share.Path)); err != nil {
			slog.Error("failed to delete share archive", "share_id", share.ID, "error", err)
			res.Failed++
			continue
		}
		if err := cs.db.DeleteShare(ctx, share.ID); err != nil {
			slog.Error("failed to delete share record", "share_id", share.ID, "error", err)
			res.Failed++
			continue
		}

		res.Shares++
		slog.Info("pruned share",
			"share_id", share.ID,
			"long_id", share.LongID,
			"status", share.Status,
			"expired_at", share.ExpiresAt,
		)
	}
	return nil
}

func (cs *CleanupService) sweepSessions(ctx context.Context, now time.Time, res *SweepResult) error {
	sessions, err := cs.db.GetStaleSessions(ctx, now.Add(-cs.cfg.SessionRetention))
	if err != nil {
		slog.Error("failed to get stale upload sessions", "error", err)
		return err
	}

	for _, s := range sessions {
		if err := cs.store.RemoveAll(cs.store.ChunkDir(s.UserID, s.UploadID)); err != nil {
			slog.Error("failed to delete chunk directory", "upload_id", s.UploadID, "error", err)
			res.Failed++
			continue
		}
		if err := cs.db.DeleteSession(ctx, s.ID); err != nil {
			slog.Error("failed to delete upload session", "upload_id", s.UploadID, "error", err)
			res.Failed++
			continue
		}
		res.Sessions++
	}
	return nil
}

func (cs *CleanupService) sweepStagedFiles(ctx context.Context, now time.Time, res *SweepResult) error {
	files, err := cs.db.GetStaleStagedFiles(ctx, now.Add(-cs.cfg.SessionRetention))
	if err != nil {
		slog.Error("failed to get stale staged files", "error", err)
		return err
	}

	for _, f := range files {
		if err := cs.store.Remove(*f.TempPath); err != nil {
			slog.Error("failed to delete staged file", "file_id", f.ID, "error", err)
			res.Failed++
			continue
		}
		if err := cs.db.DeleteSessionsByFile(ctx, f.ID); err != nil {
			slog.Error("failed to delete sessions of staged file", "file_id", f.ID, "error", err)
			res.Failed++
			continue
		}
		if err := cs.db.DeleteFile(ctx, f.ID); err != nil {
			slog.Error("failed to delete staged file record", "file_id", f.ID, "error", err)
			res.Failed++
			continue
		}
		res.Files++
	}
	return nil
}
