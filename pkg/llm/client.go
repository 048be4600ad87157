// Package llm is the streaming client for the OpenAI-compatible chat
// gateway. Tool use rides inside the assistant text (the parser owns
// that grammar), so the client only moves messages and deltas.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/types"
)

const (
	defaultTimeout = 10 * time.Minute

	// Gateways emit single SSE data lines well past bufio's default.
	scanBufferInit = 64 * 1024
	scanBufferMax  = 2 * 1024 * 1024
)

// Message is one chat-completion message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the gateway's token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result aggregates a finished stream.
type Result struct {
	Content      string
	FinishReason string
	Usage        Usage
	UsageKnown   bool // False when the gateway sent no usage chunk
}

// Client speaks the chat-completions streaming protocol.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New builds a client for one gateway and model.
func New(gatewayURL, apiKey, model string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(gatewayURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StreamChat sends the conversation and invokes onDelta for every
// content fragment as it arrives. The aggregated result is returned
// once the stream ends. Context cancellation aborts the stream.
func (c *Client) StreamChat(ctx context.Context, messages []Message, onDelta func(string)) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:         c.model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Transientf("gateway request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	result := &Result{}
	var content strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, scanBufferInit), scanBufferMax)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logger := log.WithComponent("llm")
			logger.Debug().Err(err).Msg("Skipping undecodable stream chunk")
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return nil, types.Transientf("gateway stream error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
			result.UsageKnown = true
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			result.FinishReason = *choice.FinishReason
		}
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Transientf("gateway stream read failed: %v", err)
	}

	result.Content = content.String()
	logger := log.WithComponent("llm")
	logger.Debug().
		Str("model", c.model).
		Str("finish_reason", result.FinishReason).
		Int("content_chars", len(result.Content)).
		Int("total_tokens", result.Usage.TotalTokens).
		Dur("elapsed", time.Since(started)).
		Msg("Chat stream finished")
	return result, nil
}

// statusError maps a non-2xx gateway response onto the error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))

	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		detail = wire.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gateway: %s", types.ErrRateLimited, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.Permanentf("gateway rejected credentials (%d): %s", resp.StatusCode, detail)
	case resp.StatusCode >= 500:
		return types.Transientf("gateway unavailable (%d): %s", resp.StatusCode, detail)
	default:
		return types.Permanentf("gateway rejected request (%d): %s", resp.StatusCode, detail)
	}
}
