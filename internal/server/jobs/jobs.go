// Package jobs dispatches background work (archive builds, maintenance
// sweeps) out of the request path. Delivery is at-least-once, so every
// handler must tolerate duplicates.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind names a job handler.
type Kind string

const (
	KindBuildArchive Kind = "build_archive"
	KindMaintenance  Kind = "maintenance"
)

var (
	ErrQueueClosed = errors.New("job queue closed")
	ErrUnknownKind = errors.New("unknown job kind")
)

// Job is one unit of background work.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	ShareID    int64     `json:"share_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// New creates a job with a fresh ID.
func New(kind Kind, shareID int64) Job {
	return Job{
		ID:         uuid.New(),
		Kind:       kind,
		ShareID:    shareID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handler processes one job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Queue accepts jobs and feeds them to a Handler.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Start(ctx context.Context, h Handler) error
	Close() error
}

// Mux routes jobs to handlers by kind.
type Mux struct {
	handlers map[Kind]Handler
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

// Register binds a handler to a kind.
func (m *Mux) Register(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// Handle dispatches job to its registered handler.
func (m *Mux) Handle(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}

	start := time.Now()
	err := h.Handle(ctx, job)
	slog.Info("job handled",
		"job_id", job.ID,
		"kind", job.Kind,
		"share_id", job.ShareID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	return err
}
