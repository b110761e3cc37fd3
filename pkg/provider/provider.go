// Package provider defines the ChatPort abstraction over AI model backends
// and routes message intents to a capable port.
package provider

import (
	"context"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
)

// Role of a context message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContextMessage is one turn of the conversation sent to a provider.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Chunk is one piece of a streamed response.
type Chunk struct {
	Content string
	// Final marks the last chunk; it may carry no content.
	Final        bool
	FinishReason agent.FinishReason
	Usage        *agent.TokenUsage
}

// StreamResult is either a chunk or a terminal error.
type StreamResult struct {
	Chunk Chunk
	Err   error
}

// ChatPort is a provider backend. StreamChat returns a channel that yields
// results in arrival order and is closed after the final chunk or the first
// error. Cancelling ctx must stop the producer and close the channel.
type ChatPort interface {
	Name() string
	Kind() agent.ProviderKind
	Capabilities() capability.Provided
	StreamChat(ctx context.Context, cfg agent.ModelConfig, messages []ContextMessage) (<-chan StreamResult, error)
	HealthCheck(ctx context.Context) error
}

// Emit sends one chunk downstream. It returns false once the consumer has
// gone away, after which the producer must stop.
type Emit func(Chunk) bool

// Stream runs produce on its own goroutine and exposes its output as a
// StreamResult channel. A non-nil error from produce becomes the terminal
// result unless ctx was cancelled, in which case nothing more is sent.
func Stream(ctx context.Context, produce func(ctx context.Context, emit Emit) error) <-chan StreamResult {
	out := make(chan StreamResult)
	go func() {
		defer close(out)
		emit := func(c Chunk) bool {
			select {
			case out <- StreamResult{Chunk: c}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := produce(ctx, emit)
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case out <- StreamResult{Err: err}:
		case <-ctx.Done():
		}
	}()
	return out
}
