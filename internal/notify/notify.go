// Package notify delivers deal lifecycle events and ops alerts to an
// external webhook. Delivery is fire-and-forget: failures are counted and
// logged, never surfaced to the settlement paths that emit them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradebay/tradebay/internal/circuitbreaker"
	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/retry"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradebay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradebay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

const (
	deliverTimeout  = 30 * time.Second
	deliverAttempts = 3
	deliverBackoff  = 500 * time.Millisecond

	// breakerKey identifies the single webhook endpoint in the breaker.
	breakerKey       = "webhook"
	breakerThreshold = 5
	breakerOpenFor   = time.Minute
)

// Webhook posts JSON events to a single configured endpoint. With no URL
// configured it degrades to structured logging, so local setups need no
// receiver. It satisfies both the escrow event sink and the wallet ops
// alerter.
type Webhook struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration
	breaker *circuitbreaker.Breaker

	wg sync.WaitGroup
}

// NewWebhook creates a webhook notifier. An empty url means log-only.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: deliverTimeout},
		logger:  logger,
		backoff: deliverBackoff,
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
	}
}

type envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publish sends a deal event. It never blocks the caller.
func (w *Webhook) Publish(_ context.Context, event string, payload map[string]any) {
	notifyEmitTotal.WithLabelValues(event).Inc()
	e := envelope{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now(),
		Data:      payload,
	}

	if w.url == "" {
		w.logger.Info("deal event", "event", event, "data", payload)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// A dead receiver trips the breaker; events are dropped instead of
		// piling up goroutines against an endpoint that keeps timing out.
		if !w.breaker.Allow(breakerKey) {
			notifyEmitErrors.WithLabelValues(event).Inc()
			w.logger.Warn("notification dropped, circuit open", "event", event)
			return
		}
		if err := w.deliver(e); err != nil {
			w.breaker.RecordFailure(breakerKey)
			notifyEmitErrors.WithLabelValues(event).Inc()
			w.logger.Warn("notification delivery failed", "event", event, "error", err)
			return
		}
		w.breaker.RecordSuccess(breakerKey)
	}()
}

// Alert sends an ops alert. Alerts ride the same channel with a reserved
// event type.
func (w *Webhook) Alert(ctx context.Context, subject, details string) {
	w.Publish(ctx, "ops.alert", map[string]any{
		"subject": subject,
		"details": details,
	})
}

// deliver posts the envelope, retrying transient failures with backoff.
// Receiver-side rejections (4xx) are permanent and fail immediately.
func (w *Webhook) deliver(e envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	return retry.Do(ctx, deliverAttempts, w.backoff, func() error {
		return w.post(ctx, e.Type, body)
	})
}

func (w *Webhook) post(ctx context.Context, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tradebay-Event", eventType)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return retry.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}

// Flush waits for in-flight deliveries. Called on shutdown.
func (w *Webhook) Flush() {
	w.wg.Wait()
}
