package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/subject"
)

// ErrUnavailable is returned when no provider is configured.
var ErrUnavailable = errors.New("llm provider unavailable")

// ErrUnknownSchema is returned when a subscription description cannot be
// expressed against the registered event schemas.
var ErrUnknownSchema = errors.New("no suitable schema for subscription")

// Broker runs the three prompt flows on top of a Provider, charging every
// call against the budget.
type Broker struct {
	provider    Provider
	budget      *Budget
	logger      *slog.Logger
	temperature float64
	maxTokens   int

	// onInvocation is an optional metrics hook keyed by prompt kind.
	onInvocation func(kind string)
}

// Prompt kinds reported to the invocation hook.
const (
	KindMappingSynthesis = "mapping_synthesis"
	KindPatternSynthesis = "pattern_synthesis"
	KindGateEvaluation   = "gate_evaluation"
)

// NewBroker wires a Broker. provider may be nil; every call then returns
// ErrUnavailable.
func NewBroker(provider Provider, budget *Budget, temperature float64, maxTokens int, logger *slog.Logger, onInvocation func(kind string)) *Broker {
	return &Broker{
		provider:     provider,
		budget:       budget,
		logger:       logger,
		temperature:  temperature,
		maxTokens:    maxTokens,
		onInvocation: onInvocation,
	}
}

// Available reports whether a provider is configured.
func (b *Broker) Available() bool { return b.provider != nil }

// Budget exposes the spend tracker for the admin surface.
func (b *Broker) Budget() *Budget { return b.budget }

func (b *Broker) complete(ctx context.Context, kind string, messages []Message) (string, error) {
	if b.provider == nil {
		return "", ErrUnavailable
	}
	if err := b.budget.Check(); err != nil {
		return "", err
	}
	if b.onInvocation != nil {
		b.onInvocation(kind)
	}

	resp, err := b.provider.Complete(ctx, &Request{
		Messages:    messages,
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm call failed: %w", err)
	}

	var promptText strings.Builder
	for _, m := range messages {
		promptText.WriteString(m.Content)
	}
	cost := EstimateCost(resp.Model, resp.Usage, promptText.String(), resp.Content)
	b.budget.Record(cost)

	b.logger.Debug("LLM call completed",
		"kind", kind,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"estimated_cost_usd", cost,
	)
	return resp.Content, nil
}

const mappingSystemPrompt = `You convert webhook payloads into a canonical event format by writing a jq program.

The jq program receives the raw webhook payload as input and must output a JSON object with exactly these fields:
- publisher: upstream system slug (string, lowercase snake_case, use the source name)
- resource: object with "type" (string, lowercase snake_case singular, e.g. "pull_request") and "id" (string or number taken from the payload, never containing "#" or spaces)
- action: CRUD verb, one of "create", "read", "update", "delete"
- summary: one-line human-readable description (string)

Guidelines:
1. Look for an event type or action indicator in the payload.
2. Map vendor verbs to CRUD: opened/created -> create, closed/deleted -> delete, edited/updated/reopened -> update, viewed -> read.
3. Pick the most specific stable identifier for the resource id.

Respond with ONLY the jq program, no explanation and no code fences.`

// SynthesizeMapping asks the model for a jq program transforming payloads
// like sample into the canonical format. validate must run the candidate
// program against the sample; its error is surfaced untouched so callers
// can tell synthesis failures from transport failures.
func (b *Broker) SynthesizeMapping(ctx context.Context, source string, sample json.RawMessage, validate func(expression string) error) (string, error) {
	user := fmt.Sprintf("Source: %s\n\nWebhook payload:\n%s\n\nWrite the jq program.", source, string(sample))
	content, err := b.complete(ctx, KindMappingSynthesis, []Message{
		{Role: "system", Content: mappingSystemPrompt},
		{Role: "user", Content: user},
	})
	if err != nil {
		return "", err
	}

	expression := strings.TrimSpace(stripCodeFences(content))
	if expression == "" {
		return "", fmt.Errorf("llm returned an empty mapping expression")
	}
	if err := validate(expression); err != nil {
		return "", fmt.Errorf("synthesized mapping rejected: %w", err)
	}
	return expression, nil
}

const patternSystemPromptFormat = `You convert natural language subscription descriptions into subject filter patterns using ONLY the registered event schemas.

Subject pattern format: langhook.events.<publisher>.<resource_type>.<resource_id>.<action>

Pattern examples:
- "langhook.events.github.pull_request.1374.update" - GitHub PR 1374 updates
- "langhook.events.stripe.payment_intent.*.create" - any Stripe payment intent creation
- "langhook.events.github.*.*.update" - any GitHub resource update

Use "*" to match exactly one token.

Registered schemas:
%s

You may ONLY use the publishers, resource types, and actions listed above. If the request cannot be mapped to these schemas, respond with "ERROR: No suitable schema found".

Respond with just the pattern, nothing else.`

// SynthesizePattern converts a description into a subject filter pattern,
// constrained to the schema registry. ErrUnknownSchema is returned when the
// description cannot be expressed against the registered schemas.
func (b *Broker) SynthesizePattern(ctx context.Context, description string, schema *models.SchemaSummary) (string, error) {
	if len(schema.Publishers) == 0 {
		return "", fmt.Errorf("%w: schema registry is empty", ErrUnknownSchema)
	}

	content, err := b.complete(ctx, KindPatternSynthesis, []Message{
		{Role: "system", Content: fmt.Sprintf(patternSystemPromptFormat, formatSchema(schema))},
		{Role: "user", Content: fmt.Sprintf("Convert this subscription to a pattern: %q", description)},
	})
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(stripCodeFences(content))
	if isNoSchemaReply(reply) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSchema, description)
	}

	pattern := extractPattern(reply)
	if pattern == "" {
		return "", fmt.Errorf("llm reply contains no pattern: %q", reply)
	}
	if err := validatePatternAgainstSchema(pattern, schema); err != nil {
		return "", err
	}
	return pattern, nil
}

// GateDecision is the parsed gate verdict.
type GateDecision struct {
	Decision   bool    `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// EvaluateGate runs one gate evaluation. The prompt is resolved through the
// template library; the reply is parsed tolerantly, and an unparseable
// reply blocks with zero confidence rather than erroring.
func (b *Broker) EvaluateGate(ctx context.Context, prompt, description string, event json.RawMessage) (*GateDecision, error) {
	rendered := RenderGatePrompt(prompt, description, string(event))
	content, err := b.complete(ctx, KindGateEvaluation, []Message{
		{Role: "user", Content: rendered},
	})
	if err != nil {
		return nil, err
	}

	var decision GateDecision
	extracted := extractJSONObject(content)
	if extracted == "" || json.Unmarshal([]byte(extracted), &decision) != nil {
		b.logger.Warn("Failed to parse gate reply, blocking", "reply", content)
		return &GateDecision{Reasoning: "unparseable gate reply"}, nil
	}
	if decision.Reasoning == "" {
		decision.Reasoning = "no reasoning provided"
	}
	return &decision, nil
}

func formatSchema(schema *models.SchemaSummary) string {
	var sb strings.Builder
	sb.WriteString("Publishers: " + strings.Join(schema.Publishers, ", ") + "\n")
	sb.WriteString("Actions: " + strings.Join(schema.Actions, ", ") + "\n")
	sb.WriteString("Resource types per publisher:\n")
	for _, pub := range schema.Publishers {
		sb.WriteString("- " + pub + ": " + strings.Join(schema.ResourceTypes[pub], ", ") + "\n")
	}
	return sb.String()
}

func isNoSchemaReply(reply string) bool {
	lower := strings.ToLower(reply)
	for _, marker := range []string{
		"no suitable schema",
		"no registered schemas",
		"schema not found",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var patternRe = regexp.MustCompile(`langhook\.events\.[A-Za-z0-9_*.\->]+`)

func extractPattern(reply string) string {
	return patternRe.FindString(reply)
}

// validatePatternAgainstSchema rejects patterns whose concrete tokens are
// not in the registry. Wildcards and resource ids are not checked.
func validatePatternAgainstSchema(pattern string, schema *models.SchemaSummary) error {
	parsed, err := subject.ParsePattern(pattern)
	if err != nil {
		return fmt.Errorf("llm produced a malformed pattern %q: %w", pattern, err)
	}
	if !subject.IsWildcard(parsed.Publisher) && !schema.KnowsPublisher(parsed.Publisher) {
		return fmt.Errorf("%w: unknown publisher %q", ErrUnknownSchema, parsed.Publisher)
	}
	if !subject.IsWildcard(parsed.ResourceType) && !schema.KnowsResourceType(parsed.Publisher, parsed.ResourceType) {
		return fmt.Errorf("%w: unknown resource type %q", ErrUnknownSchema, parsed.ResourceType)
	}
	if !subject.IsWildcard(parsed.Action) && !schema.KnowsAction(parsed.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrUnknownSchema, parsed.Action)
	}
	return nil
}

// stripCodeFences removes a surrounding markdown code fence if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractJSONObject pulls the outermost JSON object out of a chatty reply.
func extractJSONObject(s string) string {
	s = stripCodeFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
