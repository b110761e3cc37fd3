package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/provider"
)

// collect drains a stream into its content chunks, final chunk and error.
func collect(t *testing.T, ch <-chan provider.StreamResult) (parts []string, final provider.Chunk, err error) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return parts, final, err
			}
			switch {
			case r.Err != nil:
				err = r.Err
			case r.Chunk.Final:
				final = r.Chunk
			default:
				parts = append(parts, r.Chunk.Content)
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

var history = []provider.ContextMessage{
	{Role: provider.RoleSystem, Content: "You are terse."},
	{Role: provider.RoleUser, Content: "hi"},
}

// --- SSE scanner ---

func TestSSEScanner(t *testing.T) {
	in := ": comment\n" +
		"event: first\n" +
		"data: one\n" +
		"data: two\n" +
		"\n" +
		"\n" +
		"data:three\r\n" +
		"id: 7\n" +
		"\n" +
		"event: last\n" +
		"data: tail"
	sc := newSSEScanner(strings.NewReader(in))

	var got []sseEvent
	for sc.Next() {
		got = append(got, sc.Event())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []sseEvent{
		{Type: "first", Data: "one\ntwo"},
		{Data: "three"},
		{Type: "last", Data: "tail"},
	}, got)
	assert.False(t, sc.Next())
}

// --- OpenAI ---

func TestOpenAIClient_StreamChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "org-1", r.Header.Get("OpenAI-Organization"))

		var req openAIRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "gpt-4o", req.Model)
		assert.True(t, req.Stream)
		assert.Equal(t, &openAIStreamOptions{IncludeUsage: true}, req.StreamOptions)
		assert.Equal(t, &openAIResponseFormat{Type: "json_object"}, req.ResponseFormat)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient("test-key", server.URL)
	cfg := agent.NewModelConfig(agent.ProviderOpenAI, "gpt-4o")
	cfg.OpenAI = &agent.OpenAIOptions{Organization: "org-1", JSONMode: true}

	ch, err := c.StreamChat(context.Background(), cfg, history)
	require.NoError(t, err)
	parts, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, parts)
	assert.True(t, final.Final)
	assert.Equal(t, agent.FinishLength, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.Total())
}

func TestOpenAIClient_EndpointOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/chat/completions", r.URL.Path)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient("k", "http://127.0.0.1:1")
	cfg := agent.NewModelConfig(agent.ProviderOpenAI, "gpt-4o")
	cfg.Endpoint = server.URL + "/v2/"
	ch, err := c.StreamChat(context.Background(), cfg, history)
	require.NoError(t, err)
	parts, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.True(t, final.Final)
}

func TestOpenAIClient_Errors(t *testing.T) {
	t.Run("no key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		c := NewOpenAIClient("", "http://127.0.0.1:1")
		_, err := c.StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOpenAI, "m"), history)
		assert.Equal(t, provider.KindAuthentication, provider.Classify(err))
		assert.Contains(t, err.Error(), "OPENAI_API_KEY")
	})

	t.Run("rate limited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
		}))
		defer server.Close()

		_, err := NewOpenAIClient("k", server.URL).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOpenAI, "m"), history)
		var pe *provider.Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, provider.KindRateLimited, pe.Kind)
		assert.Equal(t, 3*time.Second, pe.RetryAfter)
	})

	t.Run("malformed chunk", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
			fmt.Fprint(w, "data: {not json\n\n")
		}))
		defer server.Close()

		ch, err := NewOpenAIClient("k", server.URL).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOpenAI, "m"), history)
		require.NoError(t, err)
		parts, _, err := collect(t, ch)
		assert.Equal(t, []string{"ok"}, parts)
		assert.Equal(t, provider.KindMalformed, provider.Classify(err))
	})

	t.Run("truncated stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		}))
		defer server.Close()

		ch, err := NewOpenAIClient("k", server.URL).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOpenAI, "m"), history)
		require.NoError(t, err)
		_, _, err = collect(t, ch)
		assert.Equal(t, provider.KindUnavailable, provider.Classify(err))
	})

	t.Run("in-stream error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"error\":{\"message\":\"too fast\",\"type\":\"rate_limit_exceeded\"}}\n\n")
		}))
		defer server.Close()

		ch, err := NewOpenAIClient("k", server.URL).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOpenAI, "m"), history)
		require.NoError(t, err)
		_, _, err = collect(t, ch)
		assert.Equal(t, provider.KindRateLimited, provider.Classify(err))
	})
}

// --- Anthropic ---

func TestAnthropicClient_Metadata(t *testing.T) {
	c := NewAnthropicClient("test-key", "", WithName("claude"))
	assert.Equal(t, "claude", c.Name())
	assert.Equal(t, agent.ProviderAnthropic, c.Kind())
	assert.Equal(t, defaultAnthropicBaseURL, c.baseURL)
}

func TestAnthropicClient_StreamChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "You are terse.", req.System)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Role)
		}
		assert.Equal(t, 40, req.TopK)
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"He\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"llo\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	c := NewAnthropicClient("test-key", server.URL)
	cfg := agent.NewModelConfig(agent.ProviderAnthropic, "claude-sonnet")
	cfg.Anthropic = &agent.AnthropicOptions{TopK: 40}

	ch, err := c.StreamChat(context.Background(), cfg, history)
	require.NoError(t, err)
	parts, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, parts)
	assert.Equal(t, agent.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, agent.TokenUsage{PromptTokens: 10, CompletionTokens: 4}, *final.Usage)
}

func TestAnthropicClient_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	ch, err := NewAnthropicClient("k", server.URL).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderAnthropic, "m"), history)
	require.NoError(t, err)
	_, _, err = collect(t, ch)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.KindUnavailable, pe.Kind)
	assert.Equal(t, "Overloaded", pe.Message)
	assert.True(t, pe.Kind.FailureReason().Recoverable())
}

func TestAnthropicClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	c := NewAnthropicClient("", "")
	_, err := c.StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderAnthropic, "m"), history)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

// --- Ollama ---

func TestOllamaClient_StreamChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "llama3", req.Model)
		assert.True(t, req.Stream)
		assert.Equal(t, "5m", req.KeepAlive)
		assert.EqualValues(t, 8192, req.Options["num_ctx"])
		assert.EqualValues(t, 4096, req.Options["num_predict"])

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"He"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"llo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`)
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL)
	cfg := agent.NewModelConfig(agent.ProviderOllama, "llama3")
	cfg.Ollama = &agent.OllamaOptions{NumCtx: 8192, KeepAlive: "5m"}

	ch, err := c.StreamChat(context.Background(), cfg, history)
	require.NoError(t, err)
	parts, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, parts)
	assert.Equal(t, agent.FinishStop, final.FinishReason)
	assert.Equal(t, 5, final.Usage.Total())
}

func TestOllamaClient_Errors(t *testing.T) {
	t.Run("model missing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model 'llama9' not found"}`)
		}))
		defer server.Close()

		_, err := NewOllamaClient(server.URL).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOllama, "llama9"), history)
		assert.Equal(t, provider.KindInvalidRequest, provider.Classify(err))
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := server.URL
		server.Close()

		_, err := NewOllamaClient(url).StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderOllama, "llama3"), history)
		assert.Equal(t, provider.KindUnavailable, provider.Classify(err))
	})
}

func TestOllamaClient_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer server.Close()

	assert.NoError(t, NewOllamaClient(server.URL).HealthCheck(context.Background()))
}

func TestStreamChat_CancelClosesStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"He"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewOllamaClient(server.URL).StreamChat(ctx, agent.NewModelConfig(agent.ProviderOllama, "llama3"), history)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "He", first.Chunk.Content)
	cancel()

	_, _, err = collect(t, ch)
	assert.NoError(t, err, "cancellation yields no terminal error")
}

// --- Mock ---

func TestMockClient(t *testing.T) {
	m := NewMockClient([]string{"He", "llo"}, MockUsage(agent.TokenUsage{PromptTokens: 1, CompletionTokens: 2}))
	assert.Equal(t, "mock", m.Name())
	assert.Equal(t, agent.ProviderMock, m.Kind())

	ch, err := m.StreamChat(context.Background(), agent.NewModelConfig(agent.ProviderMock, "m"), history)
	require.NoError(t, err)
	parts, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, parts)
	assert.Equal(t, agent.FinishStop, final.FinishReason)
	assert.Equal(t, 3, final.Usage.Total())
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, history, m.LastMessages())

	boom := errors.New("boom")
	failing := NewMockClient([]string{"x"}, MockFailAfter(boom))
	ch, err = failing.StreamChat(context.Background(), agent.ModelConfig{}, nil)
	require.NoError(t, err)
	parts, _, err = collect(t, ch)
	assert.Equal(t, []string{"x"}, parts)
	assert.ErrorIs(t, err, boom)

	_, err = NewMockClient(nil, MockFailOpen(boom)).StreamChat(context.Background(), agent.ModelConfig{}, nil)
	assert.ErrorIs(t, err, boom)

	m.SetHealth(boom)
	assert.ErrorIs(t, m.HealthCheck(context.Background()), boom)
}
