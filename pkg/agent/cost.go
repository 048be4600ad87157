package agent

import "strings"

// modelPrice is dollars per 1K tokens, split by direction. The table
// keys on model-name substrings so versioned gateway names still match
// ("gpt-4o-2024-11-20" hits the gpt-4o row).
type modelPrice struct {
	prompt     float64
	completion float64
}

// Ordered longest-prefix-first so gpt-4o-mini is not priced as gpt-4o.
var modelPrices = []struct {
	substr string
	price  modelPrice
}{
	{"gpt-4o-mini", modelPrice{prompt: 0.00015, completion: 0.0006}},
	{"gpt-4o", modelPrice{prompt: 0.0025, completion: 0.01}},
	{"gpt-4", modelPrice{prompt: 0.03, completion: 0.06}},
	{"o3-mini", modelPrice{prompt: 0.0011, completion: 0.0044}},
	{"claude", modelPrice{prompt: 0.003, completion: 0.015}},
	{"deepseek", modelPrice{prompt: 0.00014, completion: 0.00028}},
	{"llama", modelPrice{prompt: 0.0002, completion: 0.0002}},
	{"qwen", modelPrice{prompt: 0.0002, completion: 0.0006}},
}

// defaultPrice covers models the table does not know. Deliberately on
// the high side so an unknown model trips max_cost early instead of
// running unmetered.
var defaultPrice = modelPrice{prompt: 0.003, completion: 0.015}

// costOf prices one completion in dollars.
func costOf(model string, promptTokens, completionTokens int) float64 {
	price := defaultPrice
	for _, row := range modelPrices {
		if strings.Contains(model, row.substr) {
			price = row.price
			break
		}
	}
	return float64(promptTokens)/1000*price.prompt +
		float64(completionTokens)/1000*price.completion
}
