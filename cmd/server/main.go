package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parcel/internal/server/api"
	"parcel/internal/server/auth"
	"parcel/internal/server/config"
	"parcel/internal/server/database"
	"parcel/internal/server/jobs"
	"parcel/internal/server/locker"
	"parcel/internal/server/notify"
	"parcel/internal/server/service"
	"parcel/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_driver", cfg.Database.Driver,
		"queue_driver", cfg.Queue.Driver,
		"storage_path", cfg.Storage.Path,
		"max_upload_size", cfg.Upload.MaxUploadSize.String(),
	)

	ctx := context.Background()

	// Database
	var (
		db     database.Store
		health api.HealthChecker
	)
	switch cfg.Database.Driver {
	case "memory":
		slog.Warn("using in-memory database, state is lost on restart")
		db = database.NewMemoryStore()
	default:
		pg, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pg.Close()

		if err := pg.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database migrations complete")
		db = database.NewRepository(pg)
		health = pg
	}

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.Storage.Path)
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.Storage.Path)

	// Finalize and archive locks
	var locks locker.Locker = locker.NewLocal()
	if cfg.Redis.URL != "" {
		rl, err := locker.NewRedis(cfg.Redis.URL, 30*time.Second)
		if err != nil {
			return err
		}
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rl.Close()
		locks = rl
		slog.Info("using redis lock")
	}

	// Job queue
	var queue jobs.Queue
	switch cfg.Queue.Driver {
	case "nats":
		nq, err := jobs.NewNATSQueue(ctx, jobs.NATSConfig{
			URL:          cfg.Queue.NATSURL,
			StreamName:   cfg.Queue.StreamName,
			Subject:      cfg.Queue.Subject,
			ConsumerName: cfg.Queue.ConsumerName,
		})
		if err != nil {
			return err
		}
		queue = nq
	default:
		queue = jobs.NewLocalQueue(cfg.Queue.Workers, 128)
	}

	// Notifications
	var notifier notify.Dispatcher = notify.LogDispatcher{}
	if cfg.Notify.WebhookURL != "" {
		wh := notify.NewWebhookDispatcher(cfg.Notify.WebhookURL)
		defer wh.Close()
		notifier = wh
	}

	// Services
	settings := cfg.Settings()
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	uploads := service.NewUploadService(db, store, locks, settings)
	shares := service.NewShareService(db, store, queue, notifier, settings)
	invites := service.NewInviteService(db, issuer, notifier, settings, cfg.Auth.GuestTTL)
	archives := service.NewArchiveBuilder(db, store, locks)

	cleanup := storage.NewCleanupService(db, store, storage.CleanupConfig{
		Interval:         cfg.Cleanup.Interval,
		ShareGracePeriod: cfg.Cleanup.ShareGracePeriod,
		SessionRetention: cfg.Upload.SessionRetention,
		GuestRetention:   cfg.Auth.GuestTTL,
	}, func(ctx context.Context) error {
		return queue.Enqueue(ctx, jobs.New(jobs.KindMaintenance, 0))
	})

	mux := jobs.NewMux()
	mux.Register(jobs.KindBuildArchive, archives)
	mux.Register(jobs.KindMaintenance, jobs.HandlerFunc(func(ctx context.Context, job jobs.Job) error {
		res, err := cleanup.Sweep(ctx)
		if err != nil {
			return err
		}
		slog.Info("maintenance job complete", "job_id", job.ID, "shares", res.Shares, "sessions", res.Sessions, "files", res.Files, "guests", res.Guests)
		return nil
	}))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if err := queue.Start(workerCtx, mux); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(uploads, shares, invites, health, settings)
	e := api.SetupRouter(handler, issuer, db, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		slog.Info("starting server", "addr", addr, "base_url", settings.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the cleanup ticker, then drain the queue
	cleanupCancel()
	cleanup.Wait()
	if err := queue.Close(); err != nil {
		slog.Error("failed to close job queue", "error", err)
	}
	workerCancel()

	slog.Info("server exited cleanly")
	return nil
}
