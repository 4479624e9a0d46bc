package models

import "time"

// MappingSource records how an ingest mapping came to exist.
type MappingSource string

// Mapping source constants.
const (
	MappingBuiltin     MappingSource = "builtin"
	MappingSynthesized MappingSource = "synthesized"
)

// IngestMapping caches a payload-structure → canonical-event transform.
// Fingerprint is unique; Expression is a jq program producing the canonical
// record. EventFieldExpressions optionally extend the fingerprint with
// evaluated payload values so that structurally identical payloads can map
// to different canonical shapes.
type IngestMapping struct {
	Fingerprint           string        `json:"fingerprint"`
	Publisher             string        `json:"publisher"`
	Expression            string        `json:"expression"`
	EventFieldExpressions []string      `json:"event_field_expressions"`
	Source                MappingSource `json:"source"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             *time.Time    `json:"updated_at,omitempty"`
}

// SchemaEntry is one discovered (publisher, resource_type, action) triple.
type SchemaEntry struct {
	Publisher    string    `json:"publisher"`
	ResourceType string    `json:"resource_type"`
	Action       string    `json:"action"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// SchemaSummary is the structured view served by GET /schema and fed to
// subject-filter synthesis.
type SchemaSummary struct {
	Publishers    []string            `json:"publishers"`
	ResourceTypes map[string][]string `json:"resource_types"`
	Actions       []string            `json:"actions"`
}

// KnowsPublisher reports whether the publisher appears in the registry.
func (s *SchemaSummary) KnowsPublisher(p string) bool {
	for _, known := range s.Publishers {
		if known == p {
			return true
		}
	}
	return false
}

// KnowsResourceType reports whether the resource type is registered for the
// given publisher, or for any publisher when publisher is the wildcard.
func (s *SchemaSummary) KnowsResourceType(publisher, rt string) bool {
	if publisher == "*" {
		for _, types := range s.ResourceTypes {
			for _, known := range types {
				if known == rt {
					return true
				}
			}
		}
		return false
	}
	for _, known := range s.ResourceTypes[publisher] {
		if known == rt {
			return true
		}
	}
	return false
}

// KnowsAction reports whether the action appears in the registry.
func (s *SchemaSummary) KnowsAction(a string) bool {
	for _, known := range s.Actions {
		if known == a {
			return true
		}
	}
	return false
}
