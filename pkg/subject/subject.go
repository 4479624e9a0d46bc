// Package subject derives and matches the dotted broker subjects canonical
// events are published on. Derivation is a pure function of the canonical
// five-tuple; matching implements the JetStream wildcard rules ("*" matches
// exactly one token, ">" matches one or more trailing tokens).
package subject

import (
	"fmt"
	"strings"

	"github.com/langhook/langhook/pkg/models"
)

// EventPrefix is the root of every canonical event subject.
const EventPrefix = "langhook.events"

// Raw and dead-letter subject roots.
const (
	RawPrefix       = "raw"
	DLQIngestPrefix = "dlq.ingest"
	DLQMapPrefix    = "dlq.map"
)

// ForEvent derives the publish subject for a canonical event:
// langhook.events.{publisher}.{resource_type}.{resource_id}.{action}.
// Tokens are lowercased and inner dots replaced with underscores.
func ForEvent(event *models.CanonicalEvent) (string, error) {
	tokens := []string{
		event.Publisher,
		event.Resource.Type,
		event.Resource.ID.String(),
		event.Action,
	}
	sanitized := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		clean := SanitizeToken(tok)
		if clean == "" {
			return "", fmt.Errorf("subject token %d is empty after sanitization (raw %q)", i, tok)
		}
		sanitized = append(sanitized, clean)
	}
	return EventPrefix + "." + strings.Join(sanitized, "."), nil
}

// ForRaw returns the raw ingest subject for a source.
func ForRaw(source string) string { return RawPrefix + "." + SanitizeToken(source) }

// ForDLQIngest returns the ingest dead-letter subject for a source.
func ForDLQIngest(source string) string { return DLQIngestPrefix + "." + SanitizeToken(source) }

// ForDLQMap returns the map dead-letter subject for a source.
func ForDLQMap(source string) string { return DLQMapPrefix + "." + SanitizeToken(source) }

// SanitizeToken lowercases a token and replaces characters that would break
// the dotted subject hierarchy. The result never contains ".", whitespace,
// or wildcard characters.
func SanitizeToken(tok string) string {
	tok = strings.ToLower(strings.TrimSpace(tok))
	replacer := strings.NewReplacer(
		".", "_",
		" ", "_",
		"\t", "_",
		"*", "_",
		">", "_",
	)
	return replacer.Replace(tok)
}

// Match reports whether subject matches the filter pattern. The pattern may
// use "*" for exactly one token and a trailing ">" for one or more tokens.
func Match(subj, pattern string) bool {
	st := strings.Split(subj, ".")
	pt := strings.Split(pattern, ".")

	for i, p := range pt {
		switch p {
		case ">":
			// Must be the last pattern token and cover at least one token.
			return i == len(pt)-1 && len(st) > i
		case "*":
			if i >= len(st) {
				return false
			}
		default:
			if i >= len(st) || st[i] != p {
				return false
			}
		}
	}
	return len(st) == len(pt)
}

// ParsePattern splits and validates the shape of a subscription filter
// pattern. It must start with langhook.events and address the four
// canonical tokens (or end early with ">").
type Pattern struct {
	Publisher    string
	ResourceType string
	ResourceID   string
	Action       string
}

// ErrBadPattern is wrapped by ParsePattern errors.
var ErrBadPattern = fmt.Errorf("malformed subject pattern")

// ParsePattern validates a filter pattern's shape and returns its canonical
// token positions. A trailing ">" fills the remaining positions with ">".
func ParsePattern(pattern string) (*Pattern, error) {
	tokens := strings.Split(pattern, ".")
	if len(tokens) < 3 || tokens[0] != "langhook" || tokens[1] != "events" {
		return nil, fmt.Errorf("%w: %q must start with %s", ErrBadPattern, pattern, EventPrefix)
	}
	body := tokens[2:]
	if len(body) > 4 {
		return nil, fmt.Errorf("%w: %q has too many tokens", ErrBadPattern, pattern)
	}

	filled := make([]string, 4)
	for i := range filled {
		filled[i] = ">"
	}
	for i, tok := range body {
		if tok == "" {
			return nil, fmt.Errorf("%w: %q contains an empty token", ErrBadPattern, pattern)
		}
		if tok == ">" {
			if i != len(body)-1 {
				return nil, fmt.Errorf("%w: %q uses '>' before the last token", ErrBadPattern, pattern)
			}
			break
		}
		filled[i] = tok
	}
	if len(body) < 4 && body[len(body)-1] != ">" {
		return nil, fmt.Errorf("%w: %q is too short; use '>' to match remaining tokens", ErrBadPattern, pattern)
	}

	return &Pattern{
		Publisher:    filled[0],
		ResourceType: filled[1],
		ResourceID:   filled[2],
		Action:       filled[3],
	}, nil
}

// IsWildcard reports whether a pattern token is "*" or ">".
func IsWildcard(tok string) bool { return tok == "*" || tok == ">" }
