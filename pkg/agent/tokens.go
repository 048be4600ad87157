package agent

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tesslate/studio/pkg/llm"
)

// Token accounting backs two decisions: how much history fits in the
// context window, and what a completion cost when the gateway sent no
// usage chunk. cl100k_base is close enough for every model the gateway
// fronts; when the encoding cannot be loaded (offline hosts) we fall
// back to a rune heuristic rather than fail the turn.

const (
	// perMessageOverhead approximates the wire framing the gateway
	// adds around each message (role tokens, separators).
	perMessageOverhead = 4

	// responseReserve is context budget held back for the model's own
	// output so a full window never starves the completion.
	responseReserve = 4096
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens measures text in cl100k_base tokens, or estimates when
// the encoding is unavailable.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens approximates a token count without an encoding. One
// token per ~4 runes, floored at the word count so terse code-heavy
// text is not undercounted.
func estimateTokens(text string) int {
	runes := len([]rune(text))
	estimate := runes / 4
	if words := len(strings.Fields(text)); words > estimate {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// countMessages totals a conversation including per-message framing.
func countMessages(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += countTokens(m.Content) + perMessageOverhead
	}
	return total
}
