// Package parser extracts tool calls, thought blocks, and the
// completion marker from accumulated model output.
//
// Grammar v1: tool calls are JSON objects wrapped in
// <tool_call>{"name": ..., "args": {...}}</tool_call> tags, thought
// text rides in <think>...</think>, and <task_complete/> signals the
// turn is done. Everything outside markup is user-visible text.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Version names the grammar, embedded in the system prompt so the
// model and the parser agree on the markup.
const Version = "v1"

var (
	toolCallPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	thinkPattern    = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	completePattern = regexp.MustCompile(`<task_complete\s*/?>`)
)

// ToolCall is one parsed invocation. Err is set when the payload could
// not be decoded even after repair; such calls must surface to the
// model as parse_error results, not vanish.
type ToolCall struct {
	Index int
	Name  string
	Args  map[string]any
	Raw   string
	Err   error
}

// Result is the structured view of one model response.
type Result struct {
	Thought  string
	Text     string // User-visible text with all markup stripped
	Calls    []ToolCall
	Complete bool
}

// Parse decodes accumulated model output against grammar v1.
func Parse(content string) *Result {
	result := &Result{}

	var thoughts []string
	for _, m := range thinkPattern.FindAllStringSubmatch(content, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			thoughts = append(thoughts, t)
		}
	}
	result.Thought = strings.Join(thoughts, "\n")

	for i, m := range toolCallPattern.FindAllStringSubmatch(content, -1) {
		result.Calls = append(result.Calls, decodeCall(i, m[1]))
	}

	result.Complete = completePattern.MatchString(content)

	text := toolCallPattern.ReplaceAllString(content, "")
	text = thinkPattern.ReplaceAllString(text, "")
	text = completePattern.ReplaceAllString(text, "")
	// A cancelled stream can cut output mid-tag; whatever survives the
	// replacements above is an unterminated fragment.
	if i := strings.LastIndex(text, "<tool_call>"); i >= 0 {
		text = text[:i]
	}
	if i := strings.LastIndex(text, "<think>"); i >= 0 {
		text = text[:i]
	}
	result.Text = strings.TrimSpace(text)

	return result
}

// decodeCall unmarshals one tool-call payload, repairing malformed
// JSON before giving up.
func decodeCall(index int, raw string) ToolCall {
	call := ToolCall{Index: index, Raw: strings.TrimSpace(raw)}

	payload := call.Raw
	var wire struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	err := json.Unmarshal([]byte(payload), &wire)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			call.Err = fmt.Errorf("tool call %d is not valid JSON: %v", index, err)
			return call
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			call.Err = fmt.Errorf("tool call %d undecodable after repair: %v", index, err)
			return call
		}
	}

	if wire.Name == "" {
		call.Err = fmt.Errorf("tool call %d has no name", index)
		return call
	}
	call.Name = wire.Name
	call.Args = wire.Args
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return call
}
