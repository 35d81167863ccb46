package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig locates the JetStream stream backing the queue.
type NATSConfig struct {
	URL          string
	StreamName   string
	Subject      string
	ConsumerName string
}

// ackWait is how long JetStream waits for an ack before redelivering.
const ackWait = 5 * time.Minute

// NATSQueue is a Queue on a JetStream work stream. Failed jobs are nak'ed
// and redelivered up to MaxDeliver times.
type NATSQueue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
	iter   jetstream.MessagesContext
	wg     sync.WaitGroup

	// progressEvery is how often a running job extends its ack deadline.
	progressEvery time.Duration
}

// NewNATSQueue connects to NATS and ensures the stream exists.
func NewNATSQueue(ctx context.Context, cfg NATSConfig) (*NATSQueue, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConsumerName),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to JetStream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.StreamName, err)
	}

	return &NATSQueue{conn: conn, js: js, config: cfg, progressEvery: ackWait / 2}, nil
}

// Enqueue publishes job to the stream.
func (q *NATSQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.config.Subject, data, jetstream.WithMsgID(job.ID.String())); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Start consumes the stream with a durable consumer and handles messages
// until Close.
func (q *NATSQueue) Start(ctx context.Context, h Handler) error {
	consumerCfg := jetstream.ConsumerConfig{
		Durable:       q.config.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: q.config.Subject,
		AckWait:       ackWait,
		MaxDeliver:    5,
		BackOff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}

	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.config.StreamName, consumerCfg)
	if err != nil {
		return err
	}

	iter, err := cons.Messages()
	if err != nil {
		return err
	}
	q.iter = iter

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		slog.Info("NATS job consumer started", "stream", q.config.StreamName)
		for {
			msg, err := iter.Next()
			if err != nil {
				if ctx.Err() != nil {
					slog.Info("NATS job consumer stopped")
					return
				}
				slog.Warn("NATS job consumer stopped", "error", err)
				return
			}
			q.handle(ctx, h, msg)
		}
	}()
	return nil
}

func (q *NATSQueue) handle(ctx context.Context, h Handler, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		slog.Error("dropping malformed job", "error", err)
		if termErr := msg.Term(); termErr != nil {
			slog.Error("failed to terminate message", "error", termErr)
		}
		return
	}

	stop := q.keepAlive(msg, job)
	err := h.Handle(ctx, job)
	stop()
	if err != nil {
		slog.Warn("failed to handle job", "job_id", job.ID, "kind", job.Kind, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("failed to nak message", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("failed to ack message", "error", ackErr)
	}
}

// keepAlive marks msg in progress until stop is called, so a long archive
// build is not redelivered to another worker mid-run.
func (q *NATSQueue) keepAlive(msg jetstream.Msg, job Job) (stop func()) {
	every := q.progressEvery
	if every <= 0 {
		every = ackWait / 2
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("failed to extend job deadline", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Close stops consuming and closes the connection.
func (q *NATSQueue) Close() error {
	if q.iter != nil {
		q.iter.Stop()
	}

	q.wg.Wait()

	if q.conn != nil {
		q.conn.Close()
	}
	return nil
}
