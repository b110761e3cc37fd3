package provider

import (
	"fmt"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
)

// Modality is the kind of interaction a message asks for.
type Modality string

const (
	ModalityChat            Modality = "chat"
	ModalityCompletion      Modality = "completion"
	ModalityVision          Modality = "vision"
	ModalityEmbedding       Modality = "embedding"
	ModalityImageGeneration Modality = "image_generation"
)

func (m Modality) Valid() bool {
	switch m {
	case ModalityChat, ModalityCompletion, ModalityVision, ModalityEmbedding, ModalityImageGeneration:
		return true
	}
	return false
}

// Intent describes what a message needs. Its Requirements decide which
// providers may serve it.
type Intent struct {
	Modality         Modality           `json:"modality"`
	Stream           bool               `json:"stream"`
	Tools            bool               `json:"tools,omitempty"`
	JSONMode         bool               `json:"json_mode,omitempty"`
	SystemPrompt     bool               `json:"system_prompt,omitempty"`
	MinContextLength int                `json:"min_context_length,omitempty"`
	ProviderKind     agent.ProviderKind `json:"provider_kind,omitempty"`
}

// ChatIntent is a streaming chat.
func ChatIntent() Intent { return Intent{Modality: ModalityChat, Stream: true} }

// IntentFor derives the default chat intent for an agent's configuration.
// Only providers of the configured kind, or mocks, may serve it.
func IntentFor(cfg agent.ModelConfig, systemPrompt string) Intent {
	i := ChatIntent()
	i.ProviderKind = cfg.Provider
	i.SystemPrompt = systemPrompt != ""
	if cfg.OpenAI != nil && cfg.OpenAI.JSONMode {
		i.JSONMode = true
	}
	if cfg.Ollama != nil && cfg.Ollama.NumCtx > 0 {
		i.MinContextLength = cfg.Ollama.NumCtx
	}
	return i
}

func (i Intent) Validate() error {
	if !i.Modality.Valid() {
		return fmt.Errorf("%w: unknown modality %q", agent.ErrInvalidCommand, i.Modality)
	}
	if i.MinContextLength < 0 {
		return fmt.Errorf("%w: negative min_context_length", agent.ErrInvalidCommand)
	}
	if i.ProviderKind != "" && !i.ProviderKind.Valid() {
		return fmt.Errorf("%w: unknown provider kind %q", agent.ErrInvalidCommand, i.ProviderKind)
	}
	return nil
}

// Requirements computes the capability set a provider must advertise.
func (i Intent) Requirements() capability.Requirements {
	var s capability.Set
	switch i.Modality {
	case ModalityChat:
		s = capability.TextChat
		if i.Stream {
			s |= capability.Streaming
		}
		if i.Tools {
			s |= capability.FunctionCalling
		}
	case ModalityCompletion:
		s = capability.TextChat
	case ModalityVision:
		s = capability.TextChat | capability.Vision
		if i.Stream {
			s |= capability.Streaming
		}
	case ModalityEmbedding:
		s = capability.Embeddings
	case ModalityImageGeneration:
		s = capability.ImageGeneration
	}
	if i.JSONMode {
		s |= capability.JSONMode
	}
	if i.SystemPrompt && (i.Modality == ModalityChat || i.Modality == ModalityVision) {
		s |= capability.SystemPrompt
	}
	return capability.Require(s).WithMinContext(i.MinContextLength)
}
