package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order and recorded in schema_migrations.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id         BIGSERIAL    PRIMARY KEY,
				name       VARCHAR(255) NOT NULL,
				email      VARCHAR(255) NOT NULL UNIQUE,
				is_guest   BOOLEAN      NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE TABLE IF NOT EXISTS reverse_share_invites (
				id              BIGSERIAL    PRIMARY KEY,
				user_id         BIGINT       NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				guest_user_id   BIGINT       REFERENCES users(id) ON DELETE SET NULL,
				recipient_name  VARCHAR(255) NOT NULL,
				recipient_email VARCHAR(255) NOT NULL,
				message         TEXT         NOT NULL DEFAULT '',
				used_at         TIMESTAMPTZ,
				expires_at      TIMESTAMPTZ,
				created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_shares",
		SQL: `
			CREATE TABLE IF NOT EXISTS shares (
				id             BIGSERIAL    PRIMARY KEY,
				user_id        BIGINT       REFERENCES users(id) ON DELETE SET NULL,
				invite_id      BIGINT       REFERENCES reverse_share_invites(id) ON DELETE SET NULL,
				name           VARCHAR(255) NOT NULL DEFAULT '',
				description    VARCHAR(500) NOT NULL DEFAULT '',
				long_id        VARCHAR(255) NOT NULL UNIQUE,
				path           VARCHAR(512) NOT NULL,
				size           BIGINT       NOT NULL DEFAULT 0,
				file_count     INTEGER      NOT NULL DEFAULT 0,
				status         VARCHAR(16)  NOT NULL DEFAULT 'pending',
				expires_at     TIMESTAMPTZ  NOT NULL,
				download_limit INTEGER,
				download_count INTEGER      NOT NULL DEFAULT 0,
				public         BOOLEAN      NOT NULL DEFAULT TRUE,
				password_hash  VARCHAR(255),
				created_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_shares_expires_at ON shares(expires_at);
			CREATE INDEX IF NOT EXISTS idx_shares_user_id ON shares(user_id);

			CREATE TABLE IF NOT EXISTS files (
				id         BIGSERIAL    PRIMARY KEY,
				share_id   BIGINT       REFERENCES shares(id) ON DELETE CASCADE,
				name       VARCHAR(255) NOT NULL,
				type       VARCHAR(255) NOT NULL DEFAULT 'unknown',
				size       BIGINT       NOT NULL DEFAULT 0,
				temp_path  VARCHAR(512),
				full_path  VARCHAR(1024) NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				CONSTRAINT files_staged_or_placed CHECK ((temp_path IS NULL) <> (share_id IS NULL))
			);
			CREATE INDEX IF NOT EXISTS idx_files_share_id ON files(share_id);

			CREATE TABLE IF NOT EXISTS downloads (
				id         BIGSERIAL    PRIMARY KEY,
				share_id   BIGINT       NOT NULL REFERENCES shares(id) ON DELETE CASCADE,
				ip_address VARCHAR(64)  NOT NULL DEFAULT '',
				user_agent TEXT         NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000003_create_chunked_uploads",
		SQL: `
			CREATE TABLE IF NOT EXISTS upload_sessions (
				id              BIGSERIAL    PRIMARY KEY,
				upload_id       VARCHAR(255) NOT NULL UNIQUE,
				user_id         BIGINT       NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				filename        VARCHAR(255) NOT NULL,
				filesize        BIGINT       NOT NULL,
				filetype        VARCHAR(255) NOT NULL DEFAULT 'unknown',
				total_chunks    INTEGER      NOT NULL,
				chunks_received INTEGER      NOT NULL DEFAULT 0,
				status          VARCHAR(16)  NOT NULL DEFAULT 'pending',
				file_id         BIGINT       REFERENCES files(id) ON DELETE SET NULL,
				created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				CONSTRAINT upload_sessions_received_bounded CHECK (chunks_received <= total_chunks)
			);
			CREATE INDEX IF NOT EXISTS idx_upload_sessions_upload_user ON upload_sessions(upload_id, user_id);

			CREATE TABLE IF NOT EXISTS chunk_uploads (
				id                BIGSERIAL    PRIMARY KEY,
				upload_session_id BIGINT       NOT NULL REFERENCES upload_sessions(id) ON DELETE CASCADE,
				chunk_index       INTEGER      NOT NULL,
				chunk_size        BIGINT       NOT NULL,
				chunk_path        VARCHAR(512) NOT NULL,
				created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				UNIQUE (upload_session_id, chunk_index)
			);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool. maxConns <= 0 keeps the pgx default.
func New(ctx context.Context, databaseURL string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	// Create migrations tracking table
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		// Check if already applied
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		// Execute migration in a transaction
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
