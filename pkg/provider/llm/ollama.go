package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
	"github.com/jguan/agent-domain/pkg/provider"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaClient streams from a local Ollama instance.
type OllamaClient struct {
	base
}

var _ provider.ChatPort = (*OllamaClient)(nil)

// NewOllamaClient creates a new Ollama client.
// baseURL defaults to http://localhost:11434 if empty.
func NewOllamaClient(baseURL string, opts ...Option) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaClient{base: newBase("ollama", baseURL, "", capability.OllamaPreset, opts)}
}

func (c *OllamaClient) Kind() agent.ProviderKind { return agent.ProviderOllama }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive string          `json:"keep_alive,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (c *OllamaClient) buildRequest(cfg agent.ModelConfig, messages []provider.ContextMessage) ollamaRequest {
	req := ollamaRequest{
		Model:  cfg.Model,
		Stream: true,
		Options: map[string]any{
			"temperature": cfg.Sampling.Temperature,
			"top_p":       cfg.Sampling.TopP,
		},
	}
	s := cfg.Sampling
	if s.MaxTokens > 0 {
		req.Options["num_predict"] = s.MaxTokens
	}
	if s.FrequencyPenalty != 0 {
		req.Options["frequency_penalty"] = s.FrequencyPenalty
	}
	if s.PresencePenalty != 0 {
		req.Options["presence_penalty"] = s.PresencePenalty
	}
	if len(s.Stop) > 0 {
		req.Options["stop"] = s.Stop
	}
	if o := cfg.Ollama; o != nil {
		if o.TopK > 0 {
			req.Options["top_k"] = o.TopK
		}
		if o.NumCtx > 0 {
			req.Options["num_ctx"] = o.NumCtx
		}
		req.KeepAlive = o.KeepAlive
	}
	req.Messages = make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

// StreamChat posts to /api/chat with stream=true. Ollama answers with one
// JSON object per line; the last one has done set.
func (c *OllamaClient) StreamChat(ctx context.Context, cfg agent.ModelConfig, messages []provider.ContextMessage) (<-chan provider.StreamResult, error) {
	url := c.endpoint(cfg.Endpoint) + "/api/chat"
	resp, err := c.do(ctx, http.MethodPost, url, c.buildRequest(cfg, messages), nil)
	if err != nil {
		return nil, err
	}

	return provider.Stream(ctx, func(ctx context.Context, emit provider.Emit) error {
		defer func() { _ = resp.Body.Close() }()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var r ollamaResponse
			if err := json.Unmarshal(line, &r); err != nil {
				return provider.Malformed(c.name, "decode stream line: %v", err)
			}
			if r.Error != "" {
				return &provider.Error{Kind: provider.KindUnknown, Provider: c.name, Message: r.Error}
			}
			if r.Message.Content != "" {
				if !emit(provider.Chunk{Content: r.Message.Content}) {
					return ctx.Err()
				}
			}
			if r.Done {
				finish := agent.FinishStop
				if r.DoneReason == "length" {
					finish = agent.FinishLength
				}
				emit(provider.Chunk{
					Final:        true,
					FinishReason: finish,
					Usage: &agent.TokenUsage{
						PromptTokens:     r.PromptEvalCount,
						CompletionTokens: r.EvalCount,
					},
				})
				return nil
			}
		}
		if err := sc.Err(); err != nil {
			return c.readErr(ctx, err)
		}
		return &provider.Error{Kind: provider.KindUnavailable, Provider: c.name, Message: "stream ended before done"}
	}), nil
}

// HealthCheck lists local models via /api/tags.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	return c.healthCheck(ctx, c.baseURL+"/api/tags", nil)
}
