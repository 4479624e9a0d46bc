package llm

import "strings"

// Gate prompt templates. A gate config's prompt field either names one of
// these or carries a custom prompt with {description} and {event_data}
// placeholders.
var gateTemplates = map[string]string{
	"default": `You are an intelligent event filter for a subscription monitoring system.

The user has subscribed to: "{description}"

Your task is to evaluate whether the following event genuinely matches the user's intent.

Return ONLY a JSON object with this exact format:
{
    "decision": true or false,
    "confidence": 0.0 to 1.0,
    "reasoning": "brief explanation"
}

Event to evaluate:
{event_data}

Consider:
- Does this event truly match what the user wants to be notified about?
- Is this event important enough to warrant an alert?
- Would a reasonable person consider this relevant to their subscription?

Be selective - only pass events that clearly match the user's intent.`,

	"important_only": `You are a strict event filter that only allows truly important events.

The user wants to be notified about: "{description}"

Your job is to be VERY selective and only allow events that are genuinely important or urgent.

Return ONLY a JSON object:
{
    "decision": true or false,
    "confidence": 0.0 to 1.0,
    "reasoning": "brief explanation"
}

Event to evaluate:
{event_data}

Only return true if:
- The event is urgent or time-sensitive
- The event indicates a problem or critical change
- The event requires immediate attention
- The event is clearly what the user specifically wants

Be strict - when in doubt, block the event.`,

	"security_focused": `You are a security-focused event filter.

The user is monitoring: "{description}"

Focus on security implications and potential threats.

Return ONLY a JSON object:
{
    "decision": true or false,
    "confidence": 0.0 to 1.0,
    "reasoning": "brief explanation"
}

Event to evaluate:
{event_data}

Prioritize events involving:
- Security vulnerabilities or incidents
- Authentication or access changes
- Permission modifications
- Failed login attempts
- Suspicious activity
- Security-related configuration changes

Be vigilant about potential security implications.`,
}

// GateTemplateNames lists the built-in gate templates.
func GateTemplateNames() []string {
	return []string{"default", "important_only", "security_focused"}
}

// IsGateTemplate reports whether name is a built-in template.
func IsGateTemplate(name string) bool {
	_, ok := gateTemplates[name]
	return ok
}

// IsCustomGatePrompt reports whether prompt looks like a usable custom
// template, meaning it carries both substitution placeholders.
func IsCustomGatePrompt(prompt string) bool {
	return strings.Contains(prompt, "{description}") && strings.Contains(prompt, "{event_data}")
}

// RenderGatePrompt resolves a gate prompt. An empty prompt or a template
// name selects a built-in template; anything else is treated as a custom
// prompt. {description} and {event_data} placeholders are substituted.
func RenderGatePrompt(prompt, description, eventData string) string {
	template := prompt
	if template == "" {
		template = gateTemplates["default"]
	} else if t, ok := gateTemplates[template]; ok {
		template = t
	}
	template = strings.ReplaceAll(template, "{description}", description)
	return strings.ReplaceAll(template, "{event_data}", eventData)
}
