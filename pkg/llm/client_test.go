package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/types"
)

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
}

func TestStreamChatAccumulatesDeltas(t *testing.T) {
	server := sseServer(t,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
		`data: [DONE]`,
	)
	defer server.Close()

	client := New(server.URL, "test-key", "test-model")
	var deltas []string
	result, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, []string{"Hello", " world"}, deltas)
	assert.Equal(t, "stop", result.FinishReason)
	assert.True(t, result.UsageKnown)
	assert.Equal(t, 16, result.Usage.TotalTokens)
}

func TestStreamChatWithoutUsage(t *testing.T) {
	server := sseServer(t,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	)
	defer server.Close()

	client := New(server.URL, "test-key", "test-model")
	result, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.False(t, result.UsageKnown)
	assert.Equal(t, "ok", result.Content)
}

func TestStreamChatSkipsGarbageChunks(t *testing.T) {
	server := sseServer(t,
		`data: {not json`,
		`data: {"choices":[{"delta":{"content":"fine"}}]}`,
		`data: [DONE]`,
	)
	defer server.Close()

	client := New(server.URL, "test-key", "test-model")
	result, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", result.Content)
}

func TestStreamChatRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	client := New(server.URL, "test-key", "test-model")
	_, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Contains(t, err.Error(), "slow down")
}

func TestStreamChatServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, "test-key", "test-model")
	_, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestStreamChatBadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(server.URL, "test-key", "test-model")
	_, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrClassPermanent, types.Classify(err))
}

func TestStreamChatCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"start\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := New(server.URL, "test-key", "test-model")

	errCh := make(chan error, 1)
	go func() {
		_, err := client.StreamChat(ctx, []Message{{Role: "user", Content: "hi"}}, func(d string) {
			if strings.Contains(d, "start") {
				cancel()
			}
		})
		errCh <- err
	}()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
