package models

import (
	"strconv"
	"time"
)

// ChannelType enumerates how matched events are delivered.
type ChannelType string

// Channel type constants.
const (
	ChannelWebhook ChannelType = "webhook"
	ChannelNone    ChannelType = "none"
)

// FailoverPolicy decides the gate outcome when the LLM cannot be consulted.
type FailoverPolicy string

// Failover policy constants.
const (
	FailOpen   FailoverPolicy = "fail_open"
	FailClosed FailoverPolicy = "fail_closed"
)

// GateConfig configures the optional LLM semantic filter of a subscription.
// A nil *GateConfig means the gate is disabled.
type GateConfig struct {
	// Prompt is either the name of a built-in template or a custom prompt
	// containing {description} / {event_data} placeholders.
	Prompt         string         `json:"prompt,omitempty"`
	Threshold      float64        `json:"threshold"`
	Audit          bool           `json:"audit,omitempty"`
	FailoverPolicy FailoverPolicy `json:"failover_policy"`
}

// ChannelConfig holds channel-specific delivery settings.
type ChannelConfig struct {
	URL string `json:"url,omitempty"`
}

// Subscription binds a natural-language description to a broker subject
// pattern and a delivery channel.
type Subscription struct {
	ID           int64           `json:"id"`
	SubscriberID string          `json:"subscriber_id"`
	Description  string          `json:"description"`
	Pattern      string          `json:"pattern"`
	ChannelType  ChannelType     `json:"channel_type"`
	Channel      ChannelConfig   `json:"channel_config"`
	Gate         *GateConfig     `json:"gate,omitempty"`
	Disposable   bool            `json:"disposable"`
	Active       bool            `json:"active"`
	Used         bool            `json:"used"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
}

// DurableName returns the stable JetStream durable consumer name for this
// subscription, so redelivery resumes across restarts.
func (s *Subscription) DurableName() string {
	return "langhook-sub-" + strconv.FormatInt(s.ID, 10)
}

// HasGate reports whether the LLM gate is enabled.
func (s *Subscription) HasGate() bool { return s.Gate != nil }
