// Package mapping turns raw webhook payloads into canonical events. Known
// payload structures use cached jq expressions keyed by fingerprint;
// unknown structures get an expression synthesized once and persisted.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/itchyny/gojq"
	"golang.org/x/sync/singleflight"

	"github.com/langhook/langhook/pkg/fingerprint"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/store"
)

// ErrUnmappable marks payloads that cannot be turned into a canonical
// event. Consumers dead-letter these instead of retrying.
var ErrUnmappable = errors.New("payload cannot be mapped")

// Store is the slice of the registry the engine needs.
type Store interface {
	GetMapping(ctx context.Context, fingerprint string) (*models.IngestMapping, error)
	UpsertMapping(ctx context.Context, m *models.IngestMapping) error
}

// Synthesizer produces jq mapping expressions for unknown structures.
type Synthesizer interface {
	Available() bool
	SynthesizeMapping(ctx context.Context, source string, sample json.RawMessage, validate func(expression string) error) (string, error)
}

// Engine maps raw events to canonical events.
type Engine struct {
	store  Store
	synth  Synthesizer
	logger *slog.Logger

	// group collapses concurrent synthesis for the same fingerprint into
	// one LLM call. Failures are not cached; the next miss retries.
	group singleflight.Group
}

// NewEngine wires an Engine.
func NewEngine(st Store, synth Synthesizer, logger *slog.Logger) *Engine {
	return &Engine{store: st, synth: synth, logger: logger}
}

// Map resolves a mapping for the raw event's payload structure and applies
// it. ErrUnmappable means the payload is poison; any other error is
// transient.
func (e *Engine) Map(ctx context.Context, raw *models.RawEvent) (*models.CanonicalEvent, error) {
	var payload any
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrUnmappable, err)
	}

	structural, err := fingerprint.Structural(raw.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmappable, err)
	}

	m, err := e.resolve(ctx, raw, structural, payload)
	if err != nil {
		return nil, err
	}

	event, applyErr := e.apply(ctx, m.Expression, payload, raw)
	if applyErr == nil {
		return event, nil
	}

	// A stored expression that stopped evaluating is stale, not poison.
	// Resynthesize once before giving up.
	e.logger.Warn("Stored mapping failed, resynthesizing",
		"fingerprint", m.Fingerprint, "source", raw.Source, "error", applyErr)
	m, err = e.synthesize(ctx, raw, m.Fingerprint, m.EventFieldExpressions, payload)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, m.Expression, payload, raw)
}

// resolve finds the mapping for this payload: structural fingerprint first,
// then the extended fingerprint when the structural entry carries event
// field expressions, synthesizing on miss.
func (e *Engine) resolve(ctx context.Context, raw *models.RawEvent, structural string, payload any) (*models.IngestMapping, error) {
	m, err := e.store.GetMapping(ctx, structural)
	if errors.Is(err, store.ErrNotFound) {
		return e.synthesize(ctx, raw, structural, nil, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mapping: %w", err)
	}
	// Fingerprints are globally unique, so a hit from another publisher
	// means two sources emit structurally identical payloads. The cached
	// expression still applies; flag it for schema curation.
	if m.Publisher != "" && m.Publisher != strings.ToLower(raw.Source) {
		e.logger.Warn("Mapping fingerprint crossed publishers",
			"fingerprint", structural, "mapping_publisher", m.Publisher, "source", raw.Source)
	}
	if len(m.EventFieldExpressions) == 0 {
		return m, nil
	}

	fields, err := e.evalFields(ctx, m.EventFieldExpressions, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluating event field expressions: %v", ErrUnmappable, err)
	}
	extended := fingerprint.Extended(structural, fields)

	ext, err := e.store.GetMapping(ctx, extended)
	if errors.Is(err, store.ErrNotFound) {
		return e.synthesize(ctx, raw, extended, m.EventFieldExpressions, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up extended mapping: %w", err)
	}
	return ext, nil
}

// synthesize asks the LLM for an expression and persists it under the given
// fingerprint. Concurrent misses for the same fingerprint share one call.
func (e *Engine) synthesize(ctx context.Context, raw *models.RawEvent, fp string, fieldExprs []string, payload any) (*models.IngestMapping, error) {
	if !e.synth.Available() {
		return nil, fmt.Errorf("%w: no mapping cached and no synthesizer available", ErrUnmappable)
	}

	v, err, _ := e.group.Do(fp, func() (any, error) {
		expression, err := e.synth.SynthesizeMapping(ctx, raw.Source, raw.Payload, func(candidate string) error {
			_, applyErr := e.apply(ctx, candidate, payload, raw)
			return applyErr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: synthesis failed: %v", ErrUnmappable, err)
		}

		m := &models.IngestMapping{
			Fingerprint:           fp,
			Publisher:             strings.ToLower(raw.Source),
			Expression:            expression,
			EventFieldExpressions: fieldExprs,
			Source:                models.MappingSynthesized,
		}
		if err := e.store.UpsertMapping(ctx, m); err != nil {
			return nil, fmt.Errorf("persisting synthesized mapping: %w", err)
		}
		e.logger.Info("Mapping synthesized",
			"fingerprint", fp, "source", raw.Source)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.IngestMapping), nil
}

// evalFields evaluates each event field expression against the payload and
// returns expression -> rendered value.
func (e *Engine) evalFields(ctx context.Context, exprs []string, payload any) (map[string]string, error) {
	fields := make(map[string]string, len(exprs))
	for _, expr := range exprs {
		value, err := evalJQ(ctx, expr, payload)
		if err != nil {
			return nil, err
		}
		rendered, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("rendering field value: %w", err)
		}
		fields[expr] = string(rendered)
	}
	return fields, nil
}

// canonicalOutput is the shape a mapping expression must produce.
type canonicalOutput struct {
	Publisher string `json:"publisher"`
	Resource  struct {
		Type string `json:"type"`
		ID   any    `json:"id"`
	} `json:"resource"`
	Action  string `json:"action"`
	Summary string `json:"summary"`
}

// apply runs the expression and validates the result into a canonical
// event. All failures here are ErrUnmappable.
func (e *Engine) apply(ctx context.Context, expression string, payload any, raw *models.RawEvent) (*models.CanonicalEvent, error) {
	result, err := evalJQ(ctx, expression, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmappable, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping output is not JSON: %v", ErrUnmappable, err)
	}
	var out canonicalOutput
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("%w: mapping output has wrong shape: %v", ErrUnmappable, err)
	}

	resourceID, err := toResourceID(out.Resource.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmappable, err)
	}

	event := &models.CanonicalEvent{
		ID:        raw.ID,
		Timestamp: raw.ReceivedAt,
		Publisher: strings.ToLower(out.Publisher),
		Resource: models.Resource{
			Type: strings.ToLower(out.Resource.Type),
			ID:   resourceID,
		},
		Action:  strings.ToLower(out.Action),
		Summary: out.Summary,
		Payload: raw.Payload,
	}
	if event.Publisher == "" {
		event.Publisher = strings.ToLower(raw.Source)
	}

	if err := validateCanonical(event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmappable, err)
	}
	return event, nil
}

func validateCanonical(event *models.CanonicalEvent) error {
	if event.Publisher == "" {
		return errors.New("canonical event missing publisher")
	}
	if event.Resource.Type == "" {
		return errors.New("canonical event missing resource type")
	}
	id := event.Resource.ID.String()
	if id == "" {
		return errors.New("canonical event missing resource id")
	}
	if strings.ContainsAny(id, "# \t") {
		return fmt.Errorf("resource id %q is not atomic", id)
	}
	if !models.ValidActions[event.Action] {
		return fmt.Errorf("action %q is not a CRUD verb", event.Action)
	}
	return nil
}

func toResourceID(v any) (models.ResourceID, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return models.ResourceID{}, errors.New("empty resource id")
		}
		return models.StringID(id), nil
	case float64:
		if id != math.Trunc(id) {
			return models.ResourceID{}, fmt.Errorf("resource id %v is not an integer", id)
		}
		return models.NumberID(int64(id)), nil
	case int:
		return models.NumberID(int64(id)), nil
	default:
		return models.ResourceID{}, fmt.Errorf("resource id has unsupported type %T", v)
	}
}

// evalJQ runs a jq program against the payload and returns its single
// result.
func evalJQ(ctx context.Context, expression string, input any) (any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parsing jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compiling jq expression: %w", err)
	}

	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return nil, errors.New("jq expression produced no output")
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("evaluating jq expression: %w", err)
	}
	return v, nil
}
