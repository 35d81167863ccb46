package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookDispatcher_Send(t *testing.T) {
	t.Run("posts message", func(t *testing.T) {
		got := make(chan Message, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var msg Message
			if err := json.NewDecoder(r.Body).Decode(&msg); err == nil {
				got <- msg
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		d := NewWebhookDispatcher(srv.URL)
		d.Send(context.Background(), "bob@example.com", KindShareCreated, map[string]any{"long_id": "brave-otter"})
		d.Close()

		require.Len(t, got, 1)
		msg := <-got
		assert.Equal(t, "bob@example.com", msg.To)
		assert.Equal(t, KindShareCreated, msg.Kind)
		assert.Equal(t, "brave-otter", msg.Data["long_id"])
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := NewWebhookDispatcher(srv.URL)
		d.client.RetryWaitMin = 0
		d.client.RetryWaitMax = 0
		d.Send(context.Background(), "a@example.com", KindShareDownloaded, nil)
		d.Close()

		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("cancelled request context does not stop delivery", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		d := NewWebhookDispatcher(srv.URL)
		d.Send(ctx, "a@example.com", KindShareCreated, nil)
		d.Close()

		assert.Equal(t, int32(1), calls.Load())
	})
}
