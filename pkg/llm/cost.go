package llm

type modelRate struct {
	inputPer1K  float64
	outputPer1K float64
}

// Per-1K-token USD rates. Unknown models fall back to the gpt-4o-mini rate.
var modelRates = map[string]modelRate{
	"gpt-4o-mini":   {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gpt-4o":        {inputPer1K: 0.005, outputPer1K: 0.015},
	"gpt-4":         {inputPer1K: 0.03, outputPer1K: 0.06},
	"gpt-3.5-turbo": {inputPer1K: 0.0015, outputPer1K: 0.002},
}

// EstimateCost prices one completion in USD. When the provider reported no
// usage (some local backends don't), token counts are approximated at four
// characters per token from the texts.
func EstimateCost(model string, usage Usage, prompt, completion string) float64 {
	rate, ok := modelRates[model]
	if !ok {
		rate = modelRates["gpt-4o-mini"]
	}

	promptTokens := float64(usage.PromptTokens)
	completionTokens := float64(usage.CompletionTokens)
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		promptTokens = float64(len(prompt)) / 4
		completionTokens = float64(len(completion)) / 4
	}

	return promptTokens/1000*rate.inputPer1K + completionTokens/1000*rate.outputPer1K
}
