// Package fingerprint computes structural fingerprints of JSON payloads.
// Two payloads share a fingerprint exactly when they have the same type
// skeleton, so a cached mapping for one applies to the other.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Leaf type names used in skeletons.
const (
	typeString  = "string"
	typeNumber  = "number"
	typeBoolean = "boolean"
	typeNull    = "null"
)

// Structural returns the hex SHA-256 of the payload's type skeleton.
// Objects recurse per key, arrays are represented by their first element's
// skeleton, and leaves collapse to their JSON type name.
func Structural(payload json.RawMessage) (string, error) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return "", fmt.Errorf("fingerprint: payload is not valid JSON: %w", err)
	}
	skeleton := Skeleton(value)
	encoded, err := json.Marshal(skeleton)
	if err != nil {
		return "", fmt.Errorf("fingerprint: encoding skeleton: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Skeleton reduces a decoded JSON value to its type skeleton. Map keys are
// kept; values become nested skeletons or leaf type names.
func Skeleton(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = Skeleton(child)
		}
		return out
	case []any:
		if len(v) == 0 {
			return []any{}
		}
		return []any{Skeleton(v[0])}
	case string:
		return typeString
	case float64:
		return typeNumber
	case bool:
		return typeBoolean
	case nil:
		return typeNull
	default:
		return typeNull
	}
}

// Extended folds evaluated event-field values into a structural fingerprint,
// so structurally identical payloads that carry different discriminator
// values (say an event_type field) key different mappings.
func Extended(structural string, fields map[string]string) string {
	if len(fields) == 0 {
		return structural
	}
	record := struct {
		Structural string            `json:"structural"`
		Fields     map[string]string `json:"fields"`
	}{Structural: structural, Fields: fields}
	encoded, _ := json.Marshal(record)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
