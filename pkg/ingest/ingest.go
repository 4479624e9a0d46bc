// Package ingest implements the webhook intake endpoint. Every accepted
// payload becomes a RawEvent on the raw.{source} subject; everything else
// is rejected here so the rest of the pipeline only sees valid JSON.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/langhook/langhook/pkg/config"
	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/ratelimit"
	"github.com/langhook/langhook/pkg/signature"
	"github.com/langhook/langhook/pkg/subject"
)

// Publisher writes messages to the event broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Limiter checks request budgets.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) ratelimit.Decision
}

// Handler serves POST /ingest/:source.
type Handler struct {
	cfg       config.IngestConfig
	publisher Publisher
	limiter   Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler wires the ingest handler.
func NewHandler(cfg config.IngestConfig, pub Publisher, lim Limiter, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		publisher: pub,
		limiter:   lim,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

var sourceRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Register mounts the ingest route.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/ingest/:source", h.handleIngest)
}

func (h *Handler) handleIngest(c *gin.Context) {
	source := strings.ToLower(c.Param("source"))
	if !sourceRe.MatchString(source) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source name"})
		return
	}
	logger := h.logger.With("source", source)

	body, tooLarge, err := h.readBody(c)
	if tooLarge {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("request body exceeds %d bytes", h.cfg.MaxBodyBytes),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	// The budget is per client, so one noisy producer cannot starve the
	// other publishers of a shared source.
	decision := h.limiter.Check(c.Request.Context(), "ingest:"+c.ClientIP(), h.cfg.RateLimit, h.cfg.RateWindow)
	if !decision.Allowed {
		h.metrics.RateLimited.WithLabelValues(source).Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds()+0.5)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	requestID := uuid.NewString()
	headers := flattenHeaders(c.Request.Header)

	if !json.Valid(body) {
		h.deadLetter(c, source, requestID, headers, body, "invalid JSON payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload", "request_id": requestID})
		return
	}

	secret, _ := h.cfg.SecretFor(source)
	result := signature.Verify(headers, body, secret)
	if !result.Valid {
		logger.Warn("Signature verification failed", "scheme", result.Scheme, "reason", result.Reason)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	raw := models.RawEvent{
		ID:             requestID,
		ReceivedAt:     h.now().UTC(),
		Source:         source,
		Headers:        headers,
		SignatureValid: result.Valid,
		Payload:        body,
	}
	data, err := json.Marshal(raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode event"})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), subject.ForRaw(source), data); err != nil {
		logger.Error("Failed to publish raw event", "request_id", requestID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event broker unavailable"})
		return
	}

	h.metrics.EventsReceived.WithLabelValues(source).Inc()
	logger.Debug("Raw event accepted", "request_id", requestID, "bytes", len(body))

	c.Header("X-Request-ID", requestID)
	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
}

// readBody reads at most MaxBodyBytes. The second return value reports the
// cap being exceeded.
func (h *Handler) readBody(c *gin.Context) ([]byte, bool, error) {
	if c.Request.ContentLength > h.cfg.MaxBodyBytes {
		return nil, true, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		return nil, true, nil
	}
	return body, false, nil
}

// deadLetter publishes a rejected payload to dlq.ingest.{source}. DLQ
// publish failures are logged, not surfaced; the client already gets a 400.
func (h *Handler) deadLetter(c *gin.Context, source, requestID string, headers map[string]string, body []byte, reason string) {
	msg := models.DLQMessage{
		ID:        requestID,
		Timestamp: h.now().UTC(),
		Source:    source,
		Error:     reason,
		Headers:   headers,
		Raw:       string(body),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode DLQ message", "request_id", requestID, "error", err)
		return
	}
	if err := h.publisher.Publish(c.Request.Context(), subject.ForDLQIngest(source), data); err != nil {
		h.logger.Error("Failed to publish to ingest DLQ", "request_id", requestID, "error", err)
		return
	}
	h.metrics.EventsDLQ.WithLabelValues("ingest", source).Inc()
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}
