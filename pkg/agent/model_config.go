package agent

import (
	"fmt"
	"slices"
	"strings"
)

// ProviderKind is the closed set of provider backends an agent can be
// configured for.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOllama    ProviderKind = "ollama"
	ProviderMock      ProviderKind = "mock"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderMock:
		return true
	}
	return false
}

func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown provider %q", ErrInvalidModelConfig, s)
	}
	return k, nil
}

// Default sampling parameters.
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
	DefaultMaxTokens   = 4096
)

// Sampling holds generation parameters shared by all providers.
type Sampling struct {
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	MaxTokens        int      `json:"max_tokens"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Stop             []string `json:"stop,omitempty"`
}

// DefaultSampling returns the sampling parameters used when none are given.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		MaxTokens:   DefaultMaxTokens,
	}
}

// OpenAIOptions are only valid with ProviderOpenAI.
type OpenAIOptions struct {
	Organization string `json:"organization,omitempty"`
	JSONMode     bool   `json:"json_mode,omitempty"`
}

// AnthropicOptions are only valid with ProviderAnthropic.
type AnthropicOptions struct {
	TopK int `json:"top_k,omitempty"`
}

// OllamaOptions are only valid with ProviderOllama.
type OllamaOptions struct {
	TopK      int    `json:"top_k,omitempty"`
	NumCtx    int    `json:"num_ctx,omitempty"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

// ModelConfig selects a provider and model and carries the parameters used
// for every message. A ModelConfig is replaced as a whole; use Clone before
// handing one out so callers cannot mutate shared slices or option blocks.
//
// At most one of the provider option blocks may be set and it must match
// Provider.
type ModelConfig struct {
	Provider     ProviderKind `json:"provider"`
	Model        string       `json:"model"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Sampling     Sampling     `json:"sampling"`
	SystemPrompt string       `json:"system_prompt,omitempty"`

	OpenAI    *OpenAIOptions    `json:"openai,omitempty"`
	Anthropic *AnthropicOptions `json:"anthropic,omitempty"`
	Ollama    *OllamaOptions    `json:"ollama,omitempty"`
}

// NewModelConfig returns a config for kind and model with default sampling.
func NewModelConfig(kind ProviderKind, model string) ModelConfig {
	return ModelConfig{
		Provider: kind,
		Model:    model,
		Sampling: DefaultSampling(),
	}
}

// Validate checks every field eagerly so a bad configuration is rejected
// before any event carrying it is produced.
func (c ModelConfig) Validate() error {
	if !c.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidModelConfig, c.Provider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidModelConfig)
	}
	s := c.Sampling
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f outside [0, 2]", ErrInvalidModelConfig, s.Temperature)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("%w: top_p %.2f outside [0, 1]", ErrInvalidModelConfig, s.TopP)
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidModelConfig)
	}
	if s.FrequencyPenalty < -2 || s.FrequencyPenalty > 2 {
		return fmt.Errorf("%w: frequency_penalty %.2f outside [-2, 2]", ErrInvalidModelConfig, s.FrequencyPenalty)
	}
	if s.PresencePenalty < -2 || s.PresencePenalty > 2 {
		return fmt.Errorf("%w: presence_penalty %.2f outside [-2, 2]", ErrInvalidModelConfig, s.PresencePenalty)
	}
	for _, stop := range s.Stop {
		if stop == "" {
			return fmt.Errorf("%w: empty stop sequence", ErrInvalidModelConfig)
		}
	}
	return c.validateOptions()
}

func (c ModelConfig) validateOptions() error {
	set := map[ProviderKind]bool{
		ProviderOpenAI:    c.OpenAI != nil,
		ProviderAnthropic: c.Anthropic != nil,
		ProviderOllama:    c.Ollama != nil,
	}
	for kind, present := range set {
		if present && kind != c.Provider {
			return fmt.Errorf("%w: %s options given for provider %s", ErrInvalidModelConfig, kind, c.Provider)
		}
	}
	if c.Anthropic != nil && c.Anthropic.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative", ErrInvalidModelConfig)
	}
	if c.Ollama != nil && (c.Ollama.TopK < 0 || c.Ollama.NumCtx < 0) {
		return fmt.Errorf("%w: ollama top_k and num_ctx must not be negative", ErrInvalidModelConfig)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c ModelConfig) Clone() ModelConfig {
	out := c
	out.Sampling.Stop = slices.Clone(c.Sampling.Stop)
	if c.OpenAI != nil {
		o := *c.OpenAI
		out.OpenAI = &o
	}
	if c.Anthropic != nil {
		a := *c.Anthropic
		out.Anthropic = &a
	}
	if c.Ollama != nil {
		o := *c.Ollama
		out.Ollama = &o
	}
	return out
}

// Equal reports whether two configs carry the same values.
func (c ModelConfig) Equal(other ModelConfig) bool {
	if c.Provider != other.Provider || c.Model != other.Model || c.Endpoint != other.Endpoint ||
		c.SystemPrompt != other.SystemPrompt {
		return false
	}
	a, b := c.Sampling, other.Sampling
	if a.Temperature != b.Temperature || a.TopP != b.TopP || a.MaxTokens != b.MaxTokens ||
		a.FrequencyPenalty != b.FrequencyPenalty || a.PresencePenalty != b.PresencePenalty ||
		!slices.Equal(a.Stop, b.Stop) {
		return false
	}
	return ptrEqual(c.OpenAI, other.OpenAI) && ptrEqual(c.Anthropic, other.Anthropic) && ptrEqual(c.Ollama, other.Ollama)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
