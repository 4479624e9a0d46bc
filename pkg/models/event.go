// Package models defines the core data shapes shared across the pipeline:
// raw and canonical events, ingest mappings, subscriptions, and log rows.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawEvent is the envelope published on raw.{source} by the ingest gateway
// and consumed by the map worker. The payload is carried verbatim.
type RawEvent struct {
	ID             string            `json:"id"`
	ReceivedAt     time.Time         `json:"received_at"`
	Source         string            `json:"source"`
	Headers        map[string]string `json:"headers"`
	SignatureValid bool              `json:"signature_valid"`
	Payload        json.RawMessage   `json:"payload"`
}

// ResourceID is the string-or-number identifier of a canonical resource.
// JSON numbers round-trip as numbers, everything else as strings.
type ResourceID struct {
	str   string
	num   int64
	isNum bool
}

// StringID builds a string-valued ResourceID.
func StringID(s string) ResourceID { return ResourceID{str: s} }

// NumberID builds a number-valued ResourceID.
func NumberID(n int64) ResourceID { return ResourceID{num: n, isNum: true} }

// IsNumber reports whether the id was a JSON number.
func (r ResourceID) IsNumber() bool { return r.isNum }

// String renders the id as a subject token.
func (r ResourceID) String() string {
	if r.isNum {
		return fmt.Sprintf("%d", r.num)
	}
	return r.str
}

// MarshalJSON preserves the original JSON type of the id.
func (r ResourceID) MarshalJSON() ([]byte, error) {
	if r.isNum {
		return json.Marshal(r.num)
	}
	return json.Marshal(r.str)
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (r *ResourceID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*r = NumberID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("resource id must be a string or number: %w", err)
	}
	*r = StringID(s)
	return nil
}

// Resource identifies the entity a canonical event is about.
type Resource struct {
	Type string     `json:"type"`
	ID   ResourceID `json:"id"`
}

// CanonicalEvent is the normalized five-tuple form emitted by the map worker.
// Its ID inherits the RawEvent id, which makes it the idempotency key for
// downstream consumers.
type CanonicalEvent struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Publisher string          `json:"publisher"`
	Resource  Resource        `json:"resource"`
	Action    string          `json:"action"`
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// DLQMessage carries a failed message onto a dead-letter subject together
// with the error that put it there.
type DLQMessage struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Error     string            `json:"error"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	// Raw holds the undecodable body for invalid-json DLQ entries.
	Raw string `json:"raw,omitempty"`
}

// ValidActions is the CRUD vocabulary a canonical action must belong to.
var ValidActions = map[string]bool{
	"create": true,
	"read":   true,
	"update": true,
	"delete": true,
}
