package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversEnvelope(t *testing.T) {
	var mu sync.Mutex
	var got envelope
	var eventHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		_ = json.Unmarshal(body, &got)
		eventHeader = r.Header.Get("X-Tradebay-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	w.Publish(context.Background(), "listing.sold", map[string]any{"listingId": "lst_1"})
	w.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "listing.sold", got.Type)
	assert.Equal(t, "listing.sold", eventHeader)
	assert.Equal(t, "lst_1", got.Data["listingId"])
	require.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublish_NoURLIsLogOnly(t *testing.T) {
	w := NewWebhook("", slog.New(slog.DiscardHandler))
	// Must not panic or block.
	w.Publish(context.Background(), "listing.reserved", map[string]any{"listingId": "lst_1"})
	w.Alert(context.Background(), "Top-up amount mismatch", "tx=abc")
	w.Flush()
}

func TestPublish_FailureDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	w.Publish(context.Background(), "listing.refunded", nil)
	w.Flush()
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	w.backoff = time.Millisecond
	w.Publish(context.Background(), "listing.sold", map[string]any{"listingId": "lst_1"})
	w.Flush()

	assert.Equal(t, int32(2), attempts.Load())
}

func TestPublish_GivesUpOnRejection(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	w.backoff = time.Millisecond
	w.Publish(context.Background(), "listing.disputed", nil)
	w.Flush()

	assert.Equal(t, int32(1), attempts.Load(), "4xx should not be retried")
}

func TestPublish_BreakerDropsAfterRepeatedFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	w.backoff = time.Millisecond

	// Trip the breaker with consecutive failures.
	for i := 0; i < breakerThreshold; i++ {
		w.Publish(context.Background(), "listing.sold", nil)
		w.Flush()
	}
	require.Equal(t, int32(breakerThreshold), attempts.Load())

	// Next event is dropped without touching the endpoint.
	w.Publish(context.Background(), "listing.sold", nil)
	w.Flush()
	assert.Equal(t, int32(breakerThreshold), attempts.Load())
}
