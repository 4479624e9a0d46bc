package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook/langhook/pkg/config"
	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/ratelimit"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	messages []published
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{subject: subject, data: data})
	return nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
}

func (f *fakeLimiter) Check(context.Context, string, int, time.Duration) ratelimit.Decision {
	return f.decision
}

// countingLimiter enforces a fixed per-key budget and records the keys the
// handler checks against.
type countingLimiter struct {
	limit int
	seen  map[string]int
}

func (f *countingLimiter) Check(_ context.Context, key string, _ int, _ time.Duration) ratelimit.Decision {
	if f.seen == nil {
		f.seen = make(map[string]int)
	}
	f.seen[key]++
	if f.seen[key] > f.limit {
		return ratelimit.Decision{Allowed: false, RetryAfter: time.Second}
	}
	return ratelimit.Decision{Allowed: true}
}

func setup(t *testing.T, cfg config.IngestConfig, pub *fakePublisher, lim Limiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if lim == nil {
		lim = &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	}
	h := NewHandler(cfg, pub, lim, metrics.New(), slog.Default())
	router := gin.New()
	h.Register(router.Group(""))
	return router
}

func post(router *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngestAccepted(t *testing.T) {
	pub := &fakePublisher{}
	router := setup(t, config.IngestConfig{}, pub, nil)

	rec := post(router, "/ingest/github", []byte(`{"action":"opened"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["request_id"])
	assert.Equal(t, resp["request_id"], rec.Header().Get("X-Request-ID"))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "raw.github", pub.messages[0].subject)

	var raw models.RawEvent
	require.NoError(t, json.Unmarshal(pub.messages[0].data, &raw))
	assert.Equal(t, resp["request_id"], raw.ID)
	assert.Equal(t, "github", raw.Source)
	assert.JSONEq(t, `{"action":"opened"}`, string(raw.Payload))
}

func TestIngestBodyTooLarge(t *testing.T) {
	pub := &fakePublisher{}
	router := setup(t, config.IngestConfig{MaxBodyBytes: 16}, pub, nil)

	rec := post(router, "/ingest/github", bytes.Repeat([]byte("x"), 64), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, pub.messages)
}

func TestIngestRateLimited(t *testing.T) {
	pub := &fakePublisher{}
	lim := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}}
	router := setup(t, config.IngestConfig{}, pub, lim)

	rec := post(router, "/ingest/github", []byte(`{}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Empty(t, pub.messages)
}

func TestIngestRateLimitKeyedByClientIP(t *testing.T) {
	pub := &fakePublisher{}
	lim := &countingLimiter{limit: 2}
	router := setup(t, config.IngestConfig{}, pub, lim)

	postFrom := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/ingest/github", bytes.NewReader([]byte(`{}`)))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// The first client exhausting its budget must not affect the second,
	// even when both post to the same source.
	assert.Equal(t, http.StatusAccepted, postFrom("10.0.0.1:4000"))
	assert.Equal(t, http.StatusAccepted, postFrom("10.0.0.1:4001"))
	assert.Equal(t, http.StatusTooManyRequests, postFrom("10.0.0.1:4002"))
	assert.Equal(t, http.StatusAccepted, postFrom("10.0.0.2:4000"))

	assert.Equal(t, map[string]int{
		"ingest:10.0.0.1": 3,
		"ingest:10.0.0.2": 1,
	}, lim.seen)
}

func TestIngestInvalidJSONGoesToDLQ(t *testing.T) {
	pub := &fakePublisher{}
	router := setup(t, config.IngestConfig{}, pub, nil)

	rec := post(router, "/ingest/github", []byte(`{"broken"`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "dlq.ingest.github", pub.messages[0].subject)

	var dlq models.DLQMessage
	require.NoError(t, json.Unmarshal(pub.messages[0].data, &dlq))
	assert.Equal(t, "invalid JSON payload", dlq.Error)
	assert.Equal(t, `{"broken"`, dlq.Raw)
}

func TestIngestSignature(t *testing.T) {
	secret := "hush"
	body := []byte(`{"action":"opened"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	cfg := config.IngestConfig{Secrets: map[string]string{"github": secret}}

	pub := &fakePublisher{}
	router := setup(t, cfg, pub, nil)

	rec := post(router, "/ingest/github", body, map[string]string{"X-Hub-Signature-256": valid})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = post(router, "/ingest/github", body, map[string]string{"X-Hub-Signature-256": "sha256=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(router, "/ingest/github", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Sources without a configured secret skip verification.
	rec = post(router, "/ingest/gitlab", body, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngestBrokerDown(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	router := setup(t, config.IngestConfig{}, pub, nil)

	rec := post(router, "/ingest/github", []byte(`{}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestInvalidSource(t *testing.T) {
	pub := &fakePublisher{}
	router := setup(t, config.IngestConfig{}, pub, nil)

	rec := post(router, "/ingest/bad..name", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pub.messages)
}
