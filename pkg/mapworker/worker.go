// Package mapworker consumes raw events, maps them to canonical events,
// and publishes them on their canonical subject. Unmappable payloads are
// dead-lettered; transient failures are redelivered.
package mapworker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/langhook/langhook/pkg/mapping"
	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/stream"
	"github.com/langhook/langhook/pkg/subject"
)

// DurableName is the shared durable for the map worker pool.
const DurableName = "langhook-map"

// Consumer yields raw event messages.
type Consumer interface {
	Fetch(ctx context.Context) ([]stream.Msg, error)
}

// Publisher writes messages to the event broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Engine maps raw events to canonical events.
type Engine interface {
	Map(ctx context.Context, raw *models.RawEvent) (*models.CanonicalEvent, error)
}

// Registry is the slice of the store the worker writes to.
type Registry interface {
	UpsertSchemaEntry(ctx context.Context, publisher, resourceType, action string) error
	InsertEventLog(ctx context.Context, log *models.EventLog) error
}

// Pool runs a fixed set of workers against one shared durable consumer.
type Pool struct {
	consumer  Consumer
	publisher Publisher
	engine    Engine
	registry  Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	workers   int
	logEvents bool

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool wires a Pool.
func NewPool(consumer Consumer, publisher Publisher, engine Engine, registry Registry, m *metrics.Metrics, workers int, logEvents bool, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		consumer:  consumer,
		publisher: publisher,
		engine:    engine,
		registry:  registry,
		metrics:   m,
		logger:    logger,
		workers:   workers,
		logEvents: logEvents,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		logger := p.logger.With("worker", i)
		go func() {
			defer p.wg.Done()
			p.run(ctx, logger)
		}()
	}
	p.logger.Info("Map worker pool started", "workers", p.workers)
}

// Stop cancels the workers and waits for in-flight messages to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.logger.Info("Map worker pool stopped")
	})
}

func (p *Pool) run(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			p.process(ctx, msg, logger)
		}
	}
}

// Process handles one raw event message end to end. Exported for tests.
func (p *Pool) Process(ctx context.Context, msg stream.Msg) {
	p.process(ctx, msg, p.logger)
}

func (p *Pool) process(ctx context.Context, msg stream.Msg, logger *slog.Logger) {
	source := sourceFromSubject(msg.Subject())

	var raw models.RawEvent
	if err := json.Unmarshal(msg.Data(), &raw); err != nil {
		logger.Error("Dropping undecodable raw message", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			logger.Warn("Term failed", "error", err)
		}
		return
	}
	if raw.Source != "" {
		source = raw.Source
	}
	logger = logger.With("request_id", raw.ID, "source", source)

	start := time.Now()
	event, err := p.engine.Map(ctx, &raw)
	p.metrics.MapDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, mapping.ErrUnmappable) {
			p.metrics.EventsFailed.WithLabelValues(source).Inc()
			p.deadLetter(ctx, &raw, source, err, logger)
			if ackErr := msg.Ack(); ackErr != nil {
				logger.Warn("Ack after dead-letter failed", "error", ackErr)
			}
			return
		}
		logger.Warn("Transient mapping failure, requesting redelivery", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("Nak failed", "error", nakErr)
		}
		return
	}

	subj, err := subject.ForEvent(event)
	if err != nil {
		p.metrics.EventsFailed.WithLabelValues(source).Inc()
		p.deadLetter(ctx, &raw, source, err, logger)
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("Ack after dead-letter failed", "error", ackErr)
		}
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to encode canonical event", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("Nak failed", "error", nakErr)
		}
		return
	}
	if err := p.publisher.Publish(ctx, subj, data); err != nil {
		logger.Warn("Failed to publish canonical event, requesting redelivery", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("Nak failed", "error", nakErr)
		}
		return
	}

	// Registry writes are best-effort: the event is already on the bus.
	if err := p.registry.UpsertSchemaEntry(ctx, event.Publisher, event.Resource.Type, event.Action); err != nil {
		logger.Warn("Schema registry upsert failed", "error", err)
	}
	if p.logEvents {
		if err := p.registry.InsertEventLog(ctx, &models.EventLog{
			EventID:      event.ID,
			Subject:      subj,
			Publisher:    event.Publisher,
			ResourceType: event.Resource.Type,
			ResourceID:   event.Resource.ID.String(),
			Action:       event.Action,
			Payload:      event.Payload,
			EmittedAt:    event.Timestamp,
		}); err != nil {
			logger.Warn("Event log insert failed", "error", err)
		}
	}

	p.metrics.EventsMapped.WithLabelValues(source).Inc()
	logger.Debug("Event mapped", "subject", subj)

	if err := msg.Ack(); err != nil {
		logger.Warn("Ack failed", "error", err)
	}
}

func (p *Pool) deadLetter(ctx context.Context, raw *models.RawEvent, source string, cause error, logger *slog.Logger) {
	msg := models.DLQMessage{
		ID:        raw.ID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Error:     cause.Error(),
		Headers:   raw.Headers,
		Payload:   raw.Payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to encode DLQ message", "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, subject.ForDLQMap(source), data); err != nil {
		logger.Error("Failed to publish to map DLQ", "error", err)
		return
	}
	p.metrics.EventsDLQ.WithLabelValues("map", source).Inc()
	logger.Info("Event dead-lettered", "reason", cause.Error())
}

func sourceFromSubject(subj string) string {
	parts := strings.SplitN(subj, ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return "unknown"
}
