// Package notify sends fire-and-forget notifications about shares.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Kind selects the notification template.
type Kind string

const (
	KindShareCreated         Kind = "share_created"
	KindShareDownloaded      Kind = "share_downloaded"
	KindReverseShareInvite   Kind = "reverse_share_invite"
	KindReverseShareReceived Kind = "reverse_share_received"
)

// Dispatcher delivers a notification. Implementations never report delivery
// failures to the caller; they log them.
type Dispatcher interface {
	Send(ctx context.Context, to string, kind Kind, data map[string]any)
}

// LogDispatcher only logs notifications.
type LogDispatcher struct{}

func (LogDispatcher) Send(ctx context.Context, to string, kind Kind, data map[string]any) {
	slog.Info("notification", "to", to, "kind", kind, "data", data)
}

// Message is the JSON body posted by WebhookDispatcher.
type Message struct {
	To     string         `json:"to"`
	Kind   Kind           `json:"kind"`
	Data   map[string]any `json:"data"`
	SentAt time.Time      `json:"sent_at"`
}

// WebhookDispatcher posts each notification to a URL in the background,
// retrying transient failures.
type WebhookDispatcher struct {
	url    string
	client *retryablehttp.Client
	wg     sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher posting to url.
func NewWebhookDispatcher(url string) *WebhookDispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = slog.Default()

	return &WebhookDispatcher{url: url, client: client}
}

// Send queues the notification and returns immediately.
func (d *WebhookDispatcher) Send(ctx context.Context, to string, kind Kind, data map[string]any) {
	msg := Message{To: to, Kind: kind, Data: data, SentAt: time.Now().UTC()}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// detached from the request, which is likely done by now
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := d.post(ctx, msg); err != nil {
			slog.Error("failed to send notification", "to", to, "kind", kind, "error", err)
		}
	}()
}

func (d *WebhookDispatcher) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Close waits for in-flight notifications.
func (d *WebhookDispatcher) Close() {
	d.wg.Wait()
}
