package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
	"github.com/jguan/agent-domain/pkg/provider"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient streams chat completions from any OpenAI-compatible API.
type OpenAIClient struct {
	base
}

var _ provider.ChatPort = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client for baseURL, defaulting to the official
// endpoint. The API key is read from OPENAI_API_KEY if apiKey is empty.
func NewOpenAIClient(apiKey, baseURL string, opts ...Option) *OpenAIClient {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{base: newBase("openai", baseURL, apiKey, capability.OpenAIPreset, opts)}
}

func (c *OpenAIClient) Kind() agent.ProviderKind { return agent.ProviderOpenAI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model            string                `json:"model"`
	Messages         []openAIMessage       `json:"messages"`
	Stream           bool                  `json:"stream"`
	StreamOptions    *openAIStreamOptions  `json:"stream_options,omitempty"`
	MaxTokens        int                   `json:"max_tokens,omitempty"`
	Temperature      float64               `json:"temperature"`
	TopP             float64               `json:"top_p"`
	FrequencyPenalty float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64               `json:"presence_penalty,omitempty"`
	Stop             []string              `json:"stop,omitempty"`
	ResponseFormat   *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) header(cfg agent.ModelConfig) http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	if cfg.OpenAI != nil && cfg.OpenAI.Organization != "" {
		h.Set("OpenAI-Organization", cfg.OpenAI.Organization)
	}
	return h
}

func (c *OpenAIClient) buildRequest(cfg agent.ModelConfig, messages []provider.ContextMessage) openAIRequest {
	req := openAIRequest{
		Model:            cfg.Model,
		Stream:           true,
		MaxTokens:        cfg.Sampling.MaxTokens,
		Temperature:      cfg.Sampling.Temperature,
		TopP:             cfg.Sampling.TopP,
		FrequencyPenalty: cfg.Sampling.FrequencyPenalty,
		PresencePenalty:  cfg.Sampling.PresencePenalty,
		Stop:             cfg.Sampling.Stop,
	}
	req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	if cfg.OpenAI != nil && cfg.OpenAI.JSONMode {
		req.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}
	req.Messages = make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

// StreamChat posts to /chat/completions with stream=true and relays the
// deltas until the [DONE] sentinel.
func (c *OpenAIClient) StreamChat(ctx context.Context, cfg agent.ModelConfig, messages []provider.ContextMessage) (<-chan provider.StreamResult, error) {
	if c.apiKey == "" {
		return nil, &provider.Error{Kind: provider.KindAuthentication, Provider: c.name, Message: "OPENAI_API_KEY is not set"}
	}
	url := c.endpoint(cfg.Endpoint) + "/chat/completions"
	resp, err := c.do(ctx, http.MethodPost, url, c.buildRequest(cfg, messages), c.header(cfg))
	if err != nil {
		return nil, err
	}

	return provider.Stream(ctx, func(ctx context.Context, emit provider.Emit) error {
		defer func() { _ = resp.Body.Close() }()

		var (
			finish agent.FinishReason
			usage  *agent.TokenUsage
		)
		sc := newSSEScanner(resp.Body)
		for sc.Next() {
			data := strings.TrimSpace(sc.Event().Data)
			if data == "[DONE]" {
				emit(provider.Chunk{Final: true, FinishReason: finish, Usage: usage})
				return nil
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return provider.Malformed(c.name, "decode stream chunk: %v", err)
			}
			if chunk.Error != nil {
				return openAIStreamError(c.name, chunk.Error.Type, chunk.Error.Code, chunk.Error.Message)
			}
			if chunk.Usage != nil {
				usage = &agent.TokenUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					finish = openAIFinishReason(choice.FinishReason)
				}
				if choice.Delta.Content == "" {
					continue
				}
				if !emit(provider.Chunk{Content: choice.Delta.Content}) {
					return ctx.Err()
				}
			}
		}
		if err := sc.Err(); err != nil {
			return c.readErr(ctx, err)
		}
		return &provider.Error{Kind: provider.KindUnavailable, Provider: c.name, Message: "stream ended before [DONE]"}
	}), nil
}

// HealthCheck lists models, which requires a valid key.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	return c.healthCheck(ctx, c.baseURL+"/models", c.header(agent.ModelConfig{}))
}

func openAIFinishReason(s string) agent.FinishReason {
	switch s {
	case "length":
		return agent.FinishLength
	case "content_filter":
		return agent.FinishContentFilter
	case "tool_calls", "function_call":
		return agent.FinishToolCalls
	}
	return agent.FinishStop
}

func openAIStreamError(name, typ, code, msg string) *provider.Error {
	kind := provider.KindUnknown
	switch {
	case typ == "rate_limit_exceeded" || code == "rate_limit_exceeded":
		kind = provider.KindRateLimited
	case typ == "invalid_request_error":
		kind = provider.KindInvalidRequest
	case code == "content_filter":
		kind = provider.KindContentPolicy
	case typ == "server_error":
		kind = provider.KindUnavailable
	}
	return &provider.Error{Kind: kind, Provider: name, Message: msg}
}
