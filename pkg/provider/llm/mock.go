package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
	"github.com/jguan/agent-domain/pkg/provider"
)

// MockClient replays a scripted response. It is used for local runs and
// tests.
type MockClient struct {
	name  string
	caps  capability.Provided
	calls atomic.Int64

	mu        sync.Mutex
	chunks    []string
	delay     time.Duration
	failAfter error
	failOpen  error
	health    error
	finish    agent.FinishReason
	usage     *agent.TokenUsage
	last      []provider.ContextMessage
}

var _ provider.ChatPort = (*MockClient)(nil)

// MockOption configures a MockClient.
type MockOption func(*MockClient)

// MockName sets the registry name.
func MockName(name string) MockOption { return func(m *MockClient) { m.name = name } }

// MockCapabilities overrides the advertised capabilities.
func MockCapabilities(p capability.Provided) MockOption {
	return func(m *MockClient) { m.caps = p }
}

// MockDelay sleeps between chunks.
func MockDelay(d time.Duration) MockOption { return func(m *MockClient) { m.delay = d } }

// MockFailAfter ends the stream with err after the scripted chunks.
func MockFailAfter(err error) MockOption { return func(m *MockClient) { m.failAfter = err } }

// MockFailOpen makes StreamChat itself return err.
func MockFailOpen(err error) MockOption { return func(m *MockClient) { m.failOpen = err } }

// MockUsage sets the usage reported with the final chunk.
func MockUsage(u agent.TokenUsage) MockOption { return func(m *MockClient) { m.usage = &u } }

// NewMockClient returns a mock that streams chunks in order and then
// finishes with FinishStop.
func NewMockClient(chunks []string, opts ...MockOption) *MockClient {
	m := &MockClient{
		name:   "mock",
		caps:   capability.MockPreset,
		chunks: append([]string(nil), chunks...),
		finish: agent.FinishStop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockClient) Name() string                      { return m.name }
func (m *MockClient) Kind() agent.ProviderKind          { return agent.ProviderMock }
func (m *MockClient) Capabilities() capability.Provided { return m.caps }

// Calls reports how many times StreamChat has been invoked.
func (m *MockClient) Calls() int { return int(m.calls.Load()) }

// LastMessages returns the context sent with the latest call.
func (m *MockClient) LastMessages() []provider.ContextMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.ContextMessage(nil), m.last...)
}

// SetChunks replaces the script for subsequent calls.
func (m *MockClient) SetChunks(chunks ...string) {
	m.mu.Lock()
	m.chunks = append([]string(nil), chunks...)
	m.mu.Unlock()
}

// SetHealth sets the error HealthCheck returns.
func (m *MockClient) SetHealth(err error) {
	m.mu.Lock()
	m.health = err
	m.mu.Unlock()
}

func (m *MockClient) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *MockClient) StreamChat(ctx context.Context, _ agent.ModelConfig, messages []provider.ContextMessage) (<-chan provider.StreamResult, error) {
	m.calls.Add(1)

	m.mu.Lock()
	m.last = append([]provider.ContextMessage(nil), messages...)
	chunks := append([]string(nil), m.chunks...)
	delay, failAfter, failOpen := m.delay, m.failAfter, m.failOpen
	finish, usage := m.finish, m.usage
	m.mu.Unlock()

	if failOpen != nil {
		return nil, failOpen
	}

	return provider.Stream(ctx, func(ctx context.Context, emit provider.Emit) error {
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !emit(provider.Chunk{Content: c}) {
				return ctx.Err()
			}
		}
		if failAfter != nil {
			return failAfter
		}
		emit(provider.Chunk{Final: true, FinishReason: finish, Usage: usage})
		return nil
	}), nil
}
