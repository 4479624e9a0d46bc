// Package dispatch fans canonical events out to subscriptions: one durable
// consumer and one serial matcher loop per subscription, with optional LLM
// gating and webhook delivery.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/langhook/langhook/pkg/metrics"
)

// Deliverer posts matched events to subscriber webhooks with retries.
type Deliverer struct {
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	initialInterval time.Duration
	maxRetries      uint64
}

// NewDeliverer builds a Deliverer. Retries follow a 1s/4s/16s schedule.
func NewDeliverer(m *metrics.Metrics, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		client:          &http.Client{Timeout: 10 * time.Second},
		metrics:         m,
		logger:          logger,
		initialInterval: time.Second,
		maxRetries:      3,
	}
}

// Deliver posts the payload to the webhook URL. It returns the last HTTP
// status (0 when the request never got a response) and a non-nil error when
// all attempts failed. Connect errors, 5xx, 408, and 429 are retried; other
// 4xx are permanent.
func (d *Deliverer) Deliver(ctx context.Context, url string, payload []byte) (int, error) {
	var lastStatus int

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			lastStatus = 0
			return fmt.Errorf("webhook request failed: %w", err)
		}
		resp.Body.Close()
		lastStatus = resp.StatusCode

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case retryableStatus(resp.StatusCode):
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialInterval
	policy.Multiplier = 4
	policy.MaxInterval = 16 * d.initialInterval
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, d.maxRetries), ctx))
	if err != nil {
		d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return lastStatus, err
	}
	d.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	return lastStatus, nil
}

func retryableStatus(status int) bool {
	return status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}
