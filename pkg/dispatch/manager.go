package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
)

// ConsumerFactory opens a durable consumer for a subscription's pattern.
type ConsumerFactory func(sub *models.Subscription) (Consumer, error)

// DurableDeleter removes a subscription's durable consumer server-side.
type DurableDeleter func(durable string) error

// Manager owns the matcher registry: one running Matcher per active
// subscription, bound and unbound as subscriptions change.
type Manager struct {
	newConsumer   ConsumerFactory
	deleteDurable DurableDeleter
	gate          Gate
	registry      Registry
	deliverer     *Deliverer
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu       sync.Mutex
	matchers map[int64]*Matcher
}

// NewManager wires a Manager.
func NewManager(newConsumer ConsumerFactory, deleteDurable DurableDeleter, gate Gate, registry Registry, deliverer *Deliverer, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		newConsumer:   newConsumer,
		deleteDurable: deleteDurable,
		gate:          gate,
		registry:      registry,
		deliverer:     deliverer,
		metrics:       m,
		logger:        logger,
		matchers:      make(map[int64]*Matcher),
	}
}

// Bind starts a matcher for the subscription. An existing matcher for the
// same id is stopped first, so Bind doubles as rebind-in-place.
func (mgr *Manager) Bind(sub *models.Subscription) error {
	mgr.mu.Lock()
	existing := mgr.matchers[sub.ID]
	delete(mgr.matchers, sub.ID)
	mgr.mu.Unlock()
	if existing != nil {
		existing.Stop()
	}

	consumer, err := mgr.newConsumer(sub)
	if err != nil {
		return fmt.Errorf("binding subscription %d: %w", sub.ID, err)
	}

	matcher := NewMatcher(sub, consumer, mgr.gate, mgr.registry, mgr.deliverer, mgr.metrics, mgr.logger, mgr.handleDisposed)
	mgr.mu.Lock()
	mgr.matchers[sub.ID] = matcher
	mgr.mu.Unlock()

	matcher.Start()
	return nil
}

// Unbind stops the subscription's matcher. When dropDurable is set the
// durable consumer is deleted too, discarding its redelivery state; use it
// for deletions and pattern changes, not plain shutdowns.
func (mgr *Manager) Unbind(sub *models.Subscription, dropDurable bool) error {
	mgr.mu.Lock()
	matcher := mgr.matchers[sub.ID]
	delete(mgr.matchers, sub.ID)
	mgr.mu.Unlock()

	if matcher != nil {
		matcher.Stop()
	}
	if dropDurable {
		if err := mgr.deleteDurable(sub.DurableName()); err != nil {
			return fmt.Errorf("unbinding subscription %d: %w", sub.ID, err)
		}
	}
	return nil
}

// Rebind replaces a subscription's binding after a pattern or gate change.
// The old durable is dropped so the new filter takes effect immediately.
func (mgr *Manager) Rebind(sub *models.Subscription) error {
	if err := mgr.Unbind(sub, true); err != nil {
		return err
	}
	if !sub.Active {
		return nil
	}
	return mgr.Bind(sub)
}

// BindAll binds every subscription, logging and skipping failures so one
// broken subscription does not block startup.
func (mgr *Manager) BindAll(subs []*models.Subscription) {
	for _, sub := range subs {
		if err := mgr.Bind(sub); err != nil {
			mgr.logger.Error("Failed to bind subscription", "subscription_id", sub.ID, "error", err)
		}
	}
	mgr.logger.Info("Subscriptions bound", "count", len(subs))
}

// StopAll stops every matcher, keeping the durables for the next start.
func (mgr *Manager) StopAll() {
	mgr.mu.Lock()
	matchers := make([]*Matcher, 0, len(mgr.matchers))
	for _, m := range mgr.matchers {
		matchers = append(matchers, m)
	}
	mgr.matchers = make(map[int64]*Matcher)
	mgr.mu.Unlock()

	for _, m := range matchers {
		m.Stop()
	}
	mgr.logger.Info("Dispatch manager stopped", "matchers", len(matchers))
}

// handleDisposed unbinds a disposable subscription after it fired.
func (mgr *Manager) handleDisposed(subscriptionID int64) {
	mgr.mu.Lock()
	matcher := mgr.matchers[subscriptionID]
	delete(mgr.matchers, subscriptionID)
	mgr.mu.Unlock()

	if matcher != nil {
		matcher.Stop()
	}
	if err := mgr.deleteDurable(durableName(subscriptionID)); err != nil {
		mgr.logger.Warn("Failed to delete durable of disposed subscription",
			"subscription_id", subscriptionID, "error", err)
	}
}

func durableName(subscriptionID int64) string {
	sub := models.Subscription{ID: subscriptionID}
	return sub.DurableName()
}
