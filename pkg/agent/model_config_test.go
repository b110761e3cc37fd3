package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelConfig_Defaults(t *testing.T) {
	cfg := NewModelConfig(ProviderOpenAI, "gpt-4o")
	assert.Equal(t, 0.7, cfg.Sampling.Temperature)
	assert.Equal(t, 1.0, cfg.Sampling.TopP)
	assert.Equal(t, 4096, cfg.Sampling.MaxTokens)
	assert.NoError(t, cfg.Validate())
}

func TestModelConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ModelConfig)
	}{
		{"unknown provider", func(c *ModelConfig) { c.Provider = "bedrock" }},
		{"empty model", func(c *ModelConfig) { c.Model = " " }},
		{"temperature high", func(c *ModelConfig) { c.Sampling.Temperature = 2.1 }},
		{"temperature negative", func(c *ModelConfig) { c.Sampling.Temperature = -0.1 }},
		{"top_p", func(c *ModelConfig) { c.Sampling.TopP = 1.5 }},
		{"max tokens", func(c *ModelConfig) { c.Sampling.MaxTokens = 0 }},
		{"frequency penalty", func(c *ModelConfig) { c.Sampling.FrequencyPenalty = -3 }},
		{"presence penalty", func(c *ModelConfig) { c.Sampling.PresencePenalty = 2.5 }},
		{"empty stop", func(c *ModelConfig) { c.Sampling.Stop = []string{""} }},
		{"foreign options", func(c *ModelConfig) { c.OpenAI = &OpenAIOptions{JSONMode: true} }},
		{"negative top_k", func(c *ModelConfig) { c.Ollama = &OllamaOptions{TopK: -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewModelConfig(ProviderOllama, "llama3")
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidModelConfig)
		})
	}

	ok := NewModelConfig(ProviderOllama, "llama3")
	ok.Ollama = &OllamaOptions{TopK: 40, NumCtx: 8192}
	assert.NoError(t, ok.Validate())
}

func TestModelConfig_CloneIsDeep(t *testing.T) {
	cfg := NewModelConfig(ProviderAnthropic, "claude")
	cfg.Sampling.Stop = []string{"END"}
	cfg.Anthropic = &AnthropicOptions{TopK: 5}

	clone := cfg.Clone()
	require.True(t, cfg.Equal(clone))

	clone.Sampling.Stop[0] = "STOP"
	clone.Anthropic.TopK = 9
	assert.Equal(t, "END", cfg.Sampling.Stop[0])
	assert.Equal(t, 5, cfg.Anthropic.TopK)
	assert.False(t, cfg.Equal(clone))
}

func TestParseProviderKind(t *testing.T) {
	k, err := ParseProviderKind(" Ollama ")
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, k)

	_, err = ParseProviderKind("vertex")
	assert.ErrorIs(t, err, ErrInvalidModelConfig)
}
