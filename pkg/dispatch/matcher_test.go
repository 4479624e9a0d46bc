package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook/langhook/pkg/llm"
	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/stream"
)

type fakeMsg struct {
	subject string
	data    []byte
	acked   bool
	naked   bool
	termed  bool
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.naked = true; return nil }
func (m *fakeMsg) Term() error     { m.termed = true; return nil }

type fakeConsumer struct {
	unsubscribed bool
}

func (f *fakeConsumer) Fetch(context.Context) ([]stream.Msg, error) { return nil, nil }
func (f *fakeConsumer) Unsubscribe() error                          { f.unsubscribed = true; return nil }

type fakeGate struct {
	decision *llm.GateDecision
	err      error
	calls    int
}

func (f *fakeGate) EvaluateGate(context.Context, string, string, json.RawMessage) (*llm.GateDecision, error) {
	f.calls++
	return f.decision, f.err
}

type fakeRegistry struct {
	logs      []*models.SubscriptionEventLog
	updated   []*models.Subscription
	insertErr error
}

func (f *fakeRegistry) InsertSubscriptionEventLog(_ context.Context, log *models.SubscriptionEventLog) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeRegistry) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	f.updated = append(f.updated, sub)
	return nil
}

func eventMsg(t *testing.T) *fakeMsg {
	t.Helper()
	event := models.CanonicalEvent{
		ID:        "evt-1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Publisher: "github",
		Resource:  models.Resource{Type: "pull_request", ID: models.NumberID(1374)},
		Action:    "update",
		Summary:   "PR approved",
		Payload:   json.RawMessage(`{"action":"approved"}`),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return &fakeMsg{subject: "langhook.events.github.pull_request.1374.update", data: data}
}

func webhookSub(url string) *models.Subscription {
	return &models.Subscription{
		ID:           7,
		SubscriberID: "default",
		Description:  "PR 1374 approvals",
		Pattern:      "langhook.events.github.pull_request.1374.update",
		ChannelType:  models.ChannelWebhook,
		Channel:      models.ChannelConfig{URL: url},
		Active:       true,
	}
}

func newMatcher(sub *models.Subscription, gate Gate, reg Registry) *Matcher {
	d := NewDeliverer(metrics.New(), slog.Default())
	d.initialInterval = time.Millisecond
	return NewMatcher(sub, &fakeConsumer{}, gate, reg, d, metrics.New(), slog.Default(), nil)
}

func TestHandleDeliversWithoutGate(t *testing.T) {
	var delivered [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		delivered = append(delivered, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	m := newMatcher(webhookSub(srv.URL), &fakeGate{}, reg)

	msg := eventMsg(t)
	disposed := m.Handle(context.Background(), msg)

	assert.False(t, disposed)
	assert.True(t, msg.acked)
	assert.Len(t, delivered, 1)

	require.Len(t, reg.logs, 1)
	entry := reg.logs[0]
	assert.Nil(t, entry.GatePassed, "no gate means tri-state nil")
	assert.True(t, entry.WebhookSent)
	require.NotNil(t, entry.WebhookResponseStatus)
	assert.Equal(t, http.StatusOK, *entry.WebhookResponseStatus)
}

func TestHandleGateBlocksDelivery(t *testing.T) {
	srvCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		srvCalled = true
	}))
	defer srv.Close()

	sub := webhookSub(srv.URL)
	sub.Gate = &models.GateConfig{Threshold: 0.8, FailoverPolicy: models.FailOpen}
	gate := &fakeGate{decision: &llm.GateDecision{Decision: false, Confidence: 0.9, Reasoning: "routine"}}
	reg := &fakeRegistry{}
	m := newMatcher(sub, gate, reg)

	msg := eventMsg(t)
	m.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, srvCalled)
	require.Len(t, reg.logs, 1)
	require.NotNil(t, reg.logs[0].GatePassed)
	assert.False(t, *reg.logs[0].GatePassed)
	assert.Equal(t, "routine", reg.logs[0].GateReason)
}

func TestHandleGateThreshold(t *testing.T) {
	// A positive decision below the confidence threshold still blocks.
	sub := webhookSub("")
	sub.ChannelType = models.ChannelNone
	sub.Gate = &models.GateConfig{Threshold: 0.8, FailoverPolicy: models.FailOpen}
	gate := &fakeGate{decision: &llm.GateDecision{Decision: true, Confidence: 0.5, Reasoning: "maybe"}}
	reg := &fakeRegistry{}
	m := newMatcher(sub, gate, reg)

	m.Handle(context.Background(), eventMsg(t))

	require.Len(t, reg.logs, 1)
	assert.False(t, *reg.logs[0].GatePassed)

	gate.decision = &llm.GateDecision{Decision: true, Confidence: 0.95, Reasoning: "clear match"}
	m.Handle(context.Background(), eventMsg(t))
	require.Len(t, reg.logs, 2)
	assert.True(t, *reg.logs[1].GatePassed)
}

func TestHandleGateFailover(t *testing.T) {
	tests := []struct {
		name       string
		policy     models.FailoverPolicy
		gateErr    error
		expected   bool
		wantReason string
	}{
		{"fail open on budget exhaustion", models.FailOpen, llm.ErrBudgetExhausted, true, "llm-unavailable:fail_open"},
		{"fail closed on budget exhaustion", models.FailClosed, llm.ErrBudgetExhausted, false, "llm-unavailable:fail_closed"},
		{"fail open on provider outage", models.FailOpen, llm.ErrUnavailable, true, "llm-unavailable:fail_open"},
		{"fail closed on transport error", models.FailClosed, errors.New("timeout"), false, "llm-unavailable:fail_closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := webhookSub("")
			sub.ChannelType = models.ChannelNone
			sub.Gate = &models.GateConfig{Threshold: 0.8, FailoverPolicy: tt.policy}
			reg := &fakeRegistry{}
			m := newMatcher(sub, &fakeGate{err: tt.gateErr}, reg)

			msg := eventMsg(t)
			m.Handle(context.Background(), msg)

			// Failover must be deterministic: the event is acked either way,
			// and the outcome follows the policy.
			assert.True(t, msg.acked)
			require.Len(t, reg.logs, 1)
			require.NotNil(t, reg.logs[0].GatePassed)
			assert.Equal(t, tt.expected, *reg.logs[0].GatePassed)
			assert.Equal(t, tt.wantReason, reg.logs[0].GateReason)
		})
	}
}

func TestHandleDisposableFiresOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := webhookSub(srv.URL)
	sub.Disposable = true
	reg := &fakeRegistry{}
	m := newMatcher(sub, &fakeGate{}, reg)

	disposed := m.Handle(context.Background(), eventMsg(t))
	assert.True(t, disposed)

	require.Len(t, reg.updated, 1)
	assert.False(t, reg.updated[0].Active)
	assert.True(t, reg.updated[0].Used)
}

func TestHandleDisposableBlockedEventDoesNotDispose(t *testing.T) {
	sub := webhookSub("")
	sub.ChannelType = models.ChannelNone
	sub.Disposable = true
	sub.Gate = &models.GateConfig{Threshold: 0.8, FailoverPolicy: models.FailClosed}
	reg := &fakeRegistry{}
	m := newMatcher(sub, &fakeGate{decision: &llm.GateDecision{Decision: false, Confidence: 1}}, reg)

	disposed := m.Handle(context.Background(), eventMsg(t))
	assert.False(t, disposed)
	assert.Empty(t, reg.updated)
}

func TestHandlePatternMismatchAcks(t *testing.T) {
	sub := webhookSub("")
	sub.ChannelType = models.ChannelNone
	sub.Pattern = "langhook.events.stripe.>"
	gate := &fakeGate{}
	reg := &fakeRegistry{}
	m := newMatcher(sub, gate, reg)

	msg := eventMsg(t)
	m.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Zero(t, gate.calls)
	assert.Empty(t, reg.logs)
}

func TestHandleLogInsertFailureNaks(t *testing.T) {
	sub := webhookSub("")
	sub.ChannelType = models.ChannelNone
	reg := &fakeRegistry{insertErr: errors.New("db down")}
	m := newMatcher(sub, &fakeGate{}, reg)

	msg := eventMsg(t)
	m.Handle(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.False(t, msg.acked)
}

func TestHandleUndecodableEventIsTermed(t *testing.T) {
	sub := webhookSub("")
	m := newMatcher(sub, &fakeGate{}, &fakeRegistry{})

	msg := &fakeMsg{subject: "langhook.events.github.pull_request.1.update", data: []byte("junk")}
	m.Handle(context.Background(), msg)

	assert.True(t, msg.termed)
}

func TestHandleWebhookFailureStillLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	m := newMatcher(webhookSub(srv.URL), &fakeGate{}, reg)

	msg := eventMsg(t)
	m.Handle(context.Background(), msg)

	assert.True(t, msg.acked, "exhausted deliveries must not loop forever")
	require.Len(t, reg.logs, 1)
	assert.False(t, reg.logs[0].WebhookSent)
	require.NotNil(t, reg.logs[0].WebhookResponseStatus)
	assert.Equal(t, http.StatusBadRequest, *reg.logs[0].WebhookResponseStatus)
}
