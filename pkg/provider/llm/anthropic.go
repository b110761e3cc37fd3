package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
	"github.com/jguan/agent-domain/pkg/provider"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicClient streams from Anthropic's Messages API via raw HTTP.
type AnthropicClient struct {
	base
}

var _ provider.ChatPort = (*AnthropicClient)(nil)

// NewAnthropicClient creates a new Anthropic client.
// The API key is read from ANTHROPIC_API_KEY if apiKey is empty.
func NewAnthropicClient(apiKey, baseURL string, opts ...Option) *AnthropicClient {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{base: newBase("anthropic", baseURL, apiKey, capability.AnthropicPreset, opts)}
}

func (c *AnthropicClient) Kind() agent.ProviderKind { return agent.ProviderAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream"`
	Temperature   float64            `json:"temperature"`
	TopP          float64            `json:"top_p,omitempty"`
	TopK          int                `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

// anthropicEvent covers every stream event type; only the fields for the
// event at hand are populated.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *AnthropicClient) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", c.apiKey)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h
}

func (c *AnthropicClient) buildRequest(cfg agent.ModelConfig, messages []provider.ContextMessage) anthropicRequest {
	maxTokens := cfg.Sampling.MaxTokens
	if maxTokens <= 0 {
		maxTokens = agent.DefaultMaxTokens
	}
	req := anthropicRequest{
		Model:         cfg.Model,
		MaxTokens:     maxTokens,
		Stream:        true,
		Temperature:   cfg.Sampling.Temperature,
		StopSequences: cfg.Sampling.Stop,
	}
	if cfg.Sampling.TopP > 0 && cfg.Sampling.TopP < 1 {
		req.TopP = cfg.Sampling.TopP
	}
	if cfg.Anthropic != nil {
		req.TopK = cfg.Anthropic.TopK
	}

	// The system prompt travels outside the conversation.
	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

// StreamChat posts to /v1/messages with stream=true and relays text deltas
// until message_stop.
func (c *AnthropicClient) StreamChat(ctx context.Context, cfg agent.ModelConfig, messages []provider.ContextMessage) (<-chan provider.StreamResult, error) {
	if c.apiKey == "" {
		return nil, &provider.Error{Kind: provider.KindAuthentication, Provider: c.name, Message: "ANTHROPIC_API_KEY is not set"}
	}
	url := c.endpoint(cfg.Endpoint) + "/v1/messages"
	resp, err := c.do(ctx, http.MethodPost, url, c.buildRequest(cfg, messages), c.header())
	if err != nil {
		return nil, err
	}

	return provider.Stream(ctx, func(ctx context.Context, emit provider.Emit) error {
		defer func() { _ = resp.Body.Close() }()

		var (
			finish agent.FinishReason
			usage  agent.TokenUsage
			seen   bool
		)
		sc := newSSEScanner(resp.Body)
		for sc.Next() {
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(sc.Event().Data), &ev); err != nil {
				return provider.Malformed(c.name, "decode %s event: %v", sc.Event().Type, err)
			}
			switch ev.Type {
			case "message_start":
				usage.PromptTokens = ev.Message.Usage.InputTokens
				seen = true
			case "content_block_delta":
				if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					continue
				}
				if !emit(provider.Chunk{Content: ev.Delta.Text}) {
					return ctx.Err()
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					finish = anthropicFinishReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
					seen = true
				}
			case "message_stop":
				final := provider.Chunk{Final: true, FinishReason: finish}
				if seen {
					final.Usage = &usage
				}
				emit(final)
				return nil
			case "error":
				if ev.Error == nil {
					return provider.Malformed(c.name, "error event without body")
				}
				return &provider.Error{Kind: anthropicErrorKind(ev.Error.Type), Provider: c.name, Message: ev.Error.Message}
			}
		}
		if err := sc.Err(); err != nil {
			return c.readErr(ctx, err)
		}
		return &provider.Error{Kind: provider.KindUnavailable, Provider: c.name, Message: "stream ended before message_stop"}
	}), nil
}

// HealthCheck lists models, which requires a valid key.
func (c *AnthropicClient) HealthCheck(ctx context.Context) error {
	return c.healthCheck(ctx, c.baseURL+"/v1/models", c.header())
}

func anthropicFinishReason(s string) agent.FinishReason {
	switch s {
	case "max_tokens":
		return agent.FinishLength
	case "tool_use":
		return agent.FinishToolCalls
	case "refusal":
		return agent.FinishContentFilter
	}
	return agent.FinishStop
}

func anthropicErrorKind(typ string) provider.ErrorKind {
	switch typ {
	case "rate_limit_error":
		return provider.KindRateLimited
	case "overloaded_error", "api_error":
		return provider.KindUnavailable
	case "authentication_error", "permission_error":
		return provider.KindAuthentication
	case "invalid_request_error", "not_found_error", "request_too_large":
		return provider.KindInvalidRequest
	}
	return provider.KindUnknown
}
