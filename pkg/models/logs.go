package models

import (
	"encoding/json"
	"time"
)

// EventLog is one row per canonical event, written when event logging is
// enabled. Retention is the operator's concern.
type EventLog struct {
	ID           int64           `json:"id"`
	EventID      string          `json:"event_id"`
	Subject      string          `json:"subject"`
	Publisher    string          `json:"publisher"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	EmittedAt    time.Time       `json:"emitted_at"`
	LoggedAt     time.Time       `json:"logged_at"`
}

// SubscriptionEventLog is one row per (subscription, event) observation.
// GatePassed is tri-state: nil when the subscription has no gate.
type SubscriptionEventLog struct {
	ID                    int64           `json:"id"`
	SubscriptionID        int64           `json:"subscription_id"`
	EventID               string          `json:"event_id"`
	Subject               string          `json:"subject"`
	Payload               json.RawMessage `json:"payload"`
	GatePassed            *bool           `json:"gate_passed"`
	GateReason            string          `json:"gate_reason,omitempty"`
	WebhookSent           bool            `json:"webhook_sent"`
	WebhookResponseStatus *int            `json:"webhook_response_status,omitempty"`
	EmittedAt             time.Time       `json:"emitted_at"`
	LoggedAt              time.Time       `json:"logged_at"`
}
