package agent

import (
	"fmt"
	"strings"

	"github.com/tesslate/studio/pkg/llm"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/types"
)

// systemPrompt assembles the turn's system message: who the agent is,
// where it is working, the tool grammar, and the closing rules. The
// grammar section comes straight from the registry so the prompt never
// drifts from what Execute actually accepts.
func (e *Engine) systemPrompt(req *TurnRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the coding agent for %q, a web application under active development.\n", req.Project.Name)
	b.WriteString("You build and modify the project by calling tools; the platform runs them and returns results.\n\n")

	b.WriteString("## Workspace\n\n")
	fmt.Fprintf(&b, "- Project slug: %s\n", req.Project.Slug)
	if req.Project.Template != "" {
		fmt.Fprintf(&b, "- Template: %s\n", req.Project.Template)
	}
	fmt.Fprintf(&b, "- Active container: %s (file paths are relative to its workspace root)\n", req.Dir)
	fmt.Fprintf(&b, "- Edit mode: %s\n", req.EditMode)
	if req.EditMode == types.EditModePlan {
		b.WriteString("- Plan mode: describe intended changes; write tools are blocked this turn.\n")
	}
	b.WriteString("\n")

	b.WriteString(e.registry.Describe())

	b.WriteString("\n## Rules\n\n")
	b.WriteString("- Put reasoning inside <think>...</think>; it is shown to the user as collapsed thought.\n")
	b.WriteString("- Tool results arrive as user messages prefixed [tool_result <name>]. Read them before the next call.\n")
	b.WriteString("- On a parse_error result, fix the malformed call and retry; do not repeat it verbatim.\n")
	b.WriteString("- When the task is done, say so briefly and emit <task_complete/>.\n")

	return b.String()
}

// buildContext assembles the gateway conversation for one iteration:
// the system prompt plus as much recent history as the token budget
// allows. History is taken newest-first so the window always ends at
// the triggering user message; a turn whose latest message alone
// exceeds the budget still carries that one message.
func (e *Engine) buildContext(req *TurnRequest) []llm.Message {
	system := e.systemPrompt(req)

	budget := e.opts.ContextTokens - countTokens(system) - responseReserve
	if budget < 1 {
		budget = 1
	}

	stored, err := e.store.ListMessages(req.Chat.ID)
	if err != nil {
		log.WithChatID(req.Chat.ID).Warn().Err(err).Msg("Listing messages for context window failed")
	}

	var window []llm.Message
	used := 0
	for i := len(stored) - 1; i >= 0; i-- {
		m := wireMessage(stored[i])
		cost := countTokens(m.Content) + perMessageOverhead
		if used+cost > budget && len(window) > 0 {
			break
		}
		window = append(window, m)
		used += cost
	}

	msgs := make([]llm.Message, 0, len(window)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	for i := len(window) - 1; i >= 0; i-- {
		msgs = append(msgs, window[i])
	}
	return msgs
}

// wireMessage converts a stored message to its gateway form. Tool
// results ride as user messages because the grammar is text-embedded;
// assistant rows keep their raw markup so replayed context reproduces
// exactly what the model said.
func wireMessage(m *types.Message) llm.Message {
	if m.Role == types.RoleTool {
		return llm.Message{Role: "user", Content: toolResultText(m.ToolName, m.Content)}
	}
	return llm.Message{Role: string(m.Role), Content: m.Content}
}

// toolResultText is the single wire framing for tool output, used both
// when feeding a live result back and when rebuilding history.
func toolResultText(tool, output string) string {
	return fmt.Sprintf("[tool_result %s]\n%s", tool, output)
}
