// Package stream wraps the NATS JetStream connection: stream provisioning,
// publishing, and durable pull consumers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream names and the subject hierarchies they capture.
const (
	StreamRaw    = "LANGHOOK_RAW"
	StreamEvents = "LANGHOOK_EVENTS"
	StreamDLQ    = "LANGHOOK_DLQ"

	SubjectsRaw    = "raw.>"
	SubjectsEvents = "langhook.events.>"
	SubjectsDLQ    = "dlq.>"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext

	logger *slog.Logger
}

// NewClient connects to NATS and initialises a JetStream context.
func NewClient(url string, logger *slog.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", "url", url)
	return &Client{Conn: nc, JS: js, logger: logger}, nil
}

// Close drains the connection so in-flight publishes and deliveries flush
// before the socket closes.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}

// Health reports whether the connection is currently usable.
func (c *Client) Health(_ context.Context) error {
	if c.Conn == nil || !c.Conn.IsConnected() {
		return errors.New("nats connection is down")
	}
	return nil
}

// EnsureStreams idempotently provisions the raw, events, and dead-letter
// streams.
func (c *Client) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{Name: StreamRaw, Subjects: []string{SubjectsRaw}},
		{Name: StreamEvents, Subjects: []string{SubjectsEvents}},
		{Name: StreamDLQ, Subjects: []string{SubjectsDLQ}},
	}
	for _, cfg := range streams {
		cfg.Storage = nats.FileStorage
		cfg.Retention = nats.LimitsPolicy

		_, err := c.JS.StreamInfo(cfg.Name)
		if err == nil {
			c.logger.Debug("NATS stream exists", "stream", cfg.Name)
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to check stream %s: %w", cfg.Name, err)
		}
		if _, err := c.JS.AddStream(&cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.logger.Info("NATS stream provisioned", "stream", cfg.Name)
	}
	return nil
}

// Publish writes a message to JetStream and waits for the ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.JS.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// DeleteConsumer removes a durable consumer, ignoring absence so unbind is
// idempotent.
func (c *Client) DeleteConsumer(streamName, durable string) error {
	err := c.JS.DeleteConsumer(streamName, durable)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("deleting consumer %s on %s: %w", durable, streamName, err)
	}
	return nil
}

// Msg is the slice of a JetStream message the workers need. Ack confirms
// processing, Nak requests redelivery, Term drops the message permanently.
type Msg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

type natsMsg struct {
	m *nats.Msg
}

func (n natsMsg) Subject() string { return n.m.Subject }
func (n natsMsg) Data() []byte    { return n.m.Data }
func (n natsMsg) Ack() error      { return n.m.Ack() }
func (n natsMsg) Nak() error      { return n.m.Nak() }
func (n natsMsg) Term() error     { return n.m.Term() }

// Consumer is a durable pull consumer bound to one stream.
type Consumer struct {
	sub   *nats.Subscription
	batch int
	wait  time.Duration
}

// Consumer creates (or resumes) a durable pull consumer filtered to the
// given subject. The consumer is created server-side first and bound to,
// so detaching never deletes it and redelivery state survives restarts.
func (c *Client) Consumer(streamName, durable, filterSubject string, batch int, deliver nats.DeliverPolicy) (*Consumer, error) {
	_, err := c.JS.ConsumerInfo(streamName, durable)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = c.JS.AddConsumer(streamName, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: filterSubject,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: deliver,
			AckWait:       30 * time.Second,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", durable, streamName, err)
	}

	sub, err := c.JS.PullSubscribe("", durable, nats.Bind(streamName, durable))
	if err != nil {
		return nil, fmt.Errorf("binding pull consumer %s on %s: %w", durable, streamName, err)
	}
	return &Consumer{sub: sub, batch: batch, wait: 2 * time.Second}, nil
}

// Fetch pulls the next batch. An empty batch after the wait window returns
// (nil, nil) so callers can loop on it.
func (con *Consumer) Fetch(ctx context.Context) ([]Msg, error) {
	msgs, err := con.sub.Fetch(con.batch, nats.MaxWait(con.wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	out := make([]Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, natsMsg{m: m})
	}
	return out, nil
}

// Unsubscribe detaches from the consumer without deleting it, so a restart
// resumes where it left off.
func (con *Consumer) Unsubscribe() error {
	return con.sub.Unsubscribe()
}
