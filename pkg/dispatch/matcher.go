package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/langhook/langhook/pkg/llm"
	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/stream"
	"github.com/langhook/langhook/pkg/subject"
)

// Consumer yields canonical event messages for one subscription.
type Consumer interface {
	Fetch(ctx context.Context) ([]stream.Msg, error)
	Unsubscribe() error
}

// Gate evaluates events against a subscription's intent.
type Gate interface {
	EvaluateGate(ctx context.Context, prompt, description string, event json.RawMessage) (*llm.GateDecision, error)
}

// Registry is the slice of the store the matcher writes to.
type Registry interface {
	InsertSubscriptionEventLog(ctx context.Context, log *models.SubscriptionEventLog) error
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
}

// Matcher runs one subscription's serial message loop. Events for one
// subscription are processed strictly in order.
type Matcher struct {
	sub       *models.Subscription
	consumer  Consumer
	gate      Gate
	registry  Registry
	deliverer *Deliverer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// onDisposed is called after a disposable subscription fires, so the
	// manager can unbind it.
	onDisposed func(subscriptionID int64)

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewMatcher wires a Matcher for one subscription.
func NewMatcher(sub *models.Subscription, consumer Consumer, gate Gate, registry Registry, deliverer *Deliverer, m *metrics.Metrics, logger *slog.Logger, onDisposed func(int64)) *Matcher {
	return &Matcher{
		sub:        sub,
		consumer:   consumer,
		gate:       gate,
		registry:   registry,
		deliverer:  deliverer,
		metrics:    m,
		logger:     logger.With("subscription_id", sub.ID),
		onDisposed: onDisposed,
		done:       make(chan struct{}),
	}
}

// Start launches the matcher loop.
func (m *Matcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go func() {
		defer close(m.done)
		m.run(ctx)
	}()
	m.logger.Info("Subscription matcher started", "pattern", m.sub.Pattern)
}

// Stop cancels the loop and waits for the in-flight message to finish.
func (m *Matcher) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
		if err := m.consumer.Unsubscribe(); err != nil {
			m.logger.Warn("Unsubscribe failed", "error", err)
		}
		m.logger.Info("Subscription matcher stopped")
	})
}

func (m *Matcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := m.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			if disposed := m.handle(ctx, msg); disposed {
				if m.onDisposed != nil {
					go m.onDisposed(m.sub.ID)
				}
				return
			}
		}
	}
}

// Handle processes one message and reports whether the subscription
// disposed itself. Exported for tests.
func (m *Matcher) Handle(ctx context.Context, msg stream.Msg) bool {
	return m.handle(ctx, msg)
}

func (m *Matcher) handle(ctx context.Context, msg stream.Msg) bool {
	var event models.CanonicalEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		m.logger.Error("Dropping undecodable canonical event", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			m.logger.Warn("Term failed", "error", err)
		}
		return false
	}

	// The durable consumer already filters by pattern; this guards against
	// a consumer that outlived a pattern change.
	if !subject.Match(msg.Subject(), m.sub.Pattern) {
		if err := msg.Ack(); err != nil {
			m.logger.Warn("Ack failed", "error", err)
		}
		return false
	}

	logEntry := &models.SubscriptionEventLog{
		SubscriptionID: m.sub.ID,
		EventID:        event.ID,
		Subject:        msg.Subject(),
		Payload:        msg.Data(),
		EmittedAt:      event.Timestamp,
	}

	passed := true
	if m.sub.HasGate() {
		passed = m.evaluateGate(ctx, msg.Data(), logEntry)
	}

	if passed && m.sub.ChannelType == models.ChannelWebhook && m.sub.Channel.URL != "" {
		status, err := m.deliverer.Deliver(ctx, m.sub.Channel.URL, msg.Data())
		if status != 0 {
			logEntry.WebhookResponseStatus = &status
		}
		if err != nil {
			m.logger.Warn("Webhook delivery failed", "url", m.sub.Channel.URL, "status", status, "error", err)
		} else {
			logEntry.WebhookSent = true
		}
	}

	if err := m.registry.InsertSubscriptionEventLog(ctx, logEntry); err != nil {
		// Without the log row a polling subscriber would never see the
		// event, so ask for redelivery.
		m.logger.Warn("Subscription event log insert failed, requesting redelivery", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			m.logger.Warn("Nak failed", "error", nakErr)
		}
		return false
	}

	if err := msg.Ack(); err != nil {
		m.logger.Warn("Ack failed", "error", err)
	}

	if passed && m.sub.Disposable {
		m.dispose(ctx)
		return true
	}
	return false
}

// evaluateGate runs the LLM gate and applies the threshold and failover
// policy. It fills the log entry's gate fields.
func (m *Matcher) evaluateGate(ctx context.Context, event json.RawMessage, logEntry *models.SubscriptionEventLog) bool {
	start := time.Now()
	decision, err := m.gate.EvaluateGate(ctx, m.sub.Gate.Prompt, m.sub.Description, event)
	m.metrics.GateDuration.Observe(time.Since(start).Seconds())

	var passed bool
	var reason string
	if err != nil {
		passed = m.sub.Gate.FailoverPolicy == models.FailOpen
		// The recorded reason is a fixed token so log consumers can filter
		// failover outcomes; the underlying cause goes to the process log.
		reason = "llm-unavailable:" + string(m.sub.Gate.FailoverPolicy)
		cause := "transport"
		switch {
		case errors.Is(err, llm.ErrBudgetExhausted):
			cause = "budget-exhausted"
		case errors.Is(err, llm.ErrUnavailable):
			cause = "no-provider"
		}
		m.logger.Warn("Gate evaluation failed, applying failover policy",
			"failover_policy", m.sub.Gate.FailoverPolicy, "passed", passed, "cause", cause, "error", err)
	} else {
		passed = decision.Decision && decision.Confidence >= m.sub.Gate.Threshold
		reason = decision.Reasoning
	}

	logEntry.GatePassed = &passed
	logEntry.GateReason = reason

	outcome := "blocked"
	if passed {
		outcome = "passed"
	}
	m.metrics.GateDecisions.WithLabelValues(outcome).Inc()
	return passed
}

// dispose deactivates a disposable subscription after its first delivery.
func (m *Matcher) dispose(ctx context.Context) {
	m.sub.Active = false
	m.sub.Used = true
	if err := m.registry.UpdateSubscription(ctx, m.sub); err != nil {
		m.logger.Error("Failed to deactivate disposable subscription", "error", err)
		return
	}
	m.logger.Info("Disposable subscription fired and was deactivated")
}
