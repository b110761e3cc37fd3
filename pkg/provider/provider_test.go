package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/capability"
)

type fakePort struct {
	name string
	kind agent.ProviderKind
	caps capability.Provided
}

func (f fakePort) Name() string                      { return f.name }
func (f fakePort) Kind() agent.ProviderKind          { return f.kind }
func (f fakePort) Capabilities() capability.Provided { return f.caps }
func (f fakePort) HealthCheck(context.Context) error { return nil }

func (f fakePort) StreamChat(ctx context.Context, _ agent.ModelConfig, _ []ContextMessage) (<-chan StreamResult, error) {
	return Stream(ctx, func(ctx context.Context, emit Emit) error { return nil }), nil
}

func TestIntentRequirements(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		want   capability.Set
	}{
		{"chat", ChatIntent(), capability.TextChat | capability.Streaming},
		{"chat no stream", Intent{Modality: ModalityChat}, capability.TextChat},
		{"chat tools", Intent{Modality: ModalityChat, Stream: true, Tools: true},
			capability.TextChat | capability.Streaming | capability.FunctionCalling},
		{"completion", Intent{Modality: ModalityCompletion, Stream: true}, capability.TextChat},
		{"vision", Intent{Modality: ModalityVision}, capability.TextChat | capability.Vision},
		{"vision stream", Intent{Modality: ModalityVision, Stream: true},
			capability.TextChat | capability.Vision | capability.Streaming},
		{"embedding", Intent{Modality: ModalityEmbedding}, capability.Embeddings},
		{"image", Intent{Modality: ModalityImageGeneration}, capability.ImageGeneration},
		{"json", Intent{Modality: ModalityChat, JSONMode: true}, capability.TextChat | capability.JSONMode},
		{"system prompt", Intent{Modality: ModalityChat, SystemPrompt: true}, capability.TextChat | capability.SystemPrompt},
		{"long context", Intent{Modality: ModalityCompletion, MinContextLength: 100000},
			capability.TextChat | capability.LongContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.intent.Requirements().Capabilities)
		})
	}
}

func TestIntentFor(t *testing.T) {
	cfg := agent.NewModelConfig(agent.ProviderOllama, "llama3")
	cfg.Ollama = &agent.OllamaOptions{NumCtx: 8192}
	i := IntentFor(cfg, "be nice")
	assert.Equal(t, ModalityChat, i.Modality)
	assert.True(t, i.Stream)
	assert.True(t, i.SystemPrompt)
	assert.Equal(t, agent.ProviderOllama, i.ProviderKind)
	assert.Equal(t, 8192, i.Requirements().MinContextLength)

	assert.ErrorIs(t, Intent{Modality: "telepathy"}.Validate(), agent.ErrInvalidCommand)
	assert.ErrorIs(t, Intent{Modality: ModalityChat, MinContextLength: -1}.Validate(), agent.ErrInvalidCommand)
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(fakePort{"openai", agent.ProviderOpenAI, capability.OpenAIPreset}, 20))
	require.NoError(t, r.Register(fakePort{"ollama", agent.ProviderOllama, capability.OllamaPreset}, 10))
	require.NoError(t, r.Register(fakePort{"anthropic", agent.ProviderAnthropic, capability.AnthropicPreset}, 20))
	return r
}

func names(ports []ChatPort) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, p.Name())
	}
	return out
}

func TestRegistry_Order(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, []string{"ollama", "openai", "anthropic"}, names(r.Providers()))

	assert.Error(t, r.Register(fakePort{name: "ollama"}, 0))
	assert.Error(t, r.Register(nil, 0))

	p, ok := r.Get("openai")
	require.True(t, ok)
	assert.Equal(t, agent.ProviderOpenAI, p.Kind())

	assert.True(t, r.Unregister("openai"))
	assert.False(t, r.Unregister("openai"))
	assert.Equal(t, []string{"ollama", "anthropic"}, names(r.Providers()))
}

func TestRegistry_Route(t *testing.T) {
	r := newRegistry(t)

	p, err := r.Route(ChatIntent())
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name(), "first in priority order")

	p, err = r.Route(Intent{Modality: ModalityVision, Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name(), "ollama lacks vision")

	p, err = r.Route(Intent{Modality: ModalityChat, Stream: true, ProviderKind: agent.ProviderAnthropic})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name(), "only the configured kind")

	_, err = r.Route(Intent{Modality: ModalityEmbedding})
	require.ErrorIs(t, err, ErrNoCapableProvider)
	var nc *NoCapableProviderError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, capability.Embeddings, nc.Required.Capabilities)
	assert.Equal(t, []string{"ollama", "openai", "anthropic"}, nc.Considered)
	assert.Equal(t, agent.CodeNoCapableProvider, agent.Code(err))

	_, err = r.Route(Intent{Modality: ModalityCompletion, MinContextLength: 150000})
	require.NoError(t, err)
}

func TestRegistry_RouteNeverCrossesProviderKind(t *testing.T) {
	r := newRegistry(t)

	// Ollama cannot call tools; an OpenAI port could, but must not receive
	// an Ollama model configuration.
	_, err := r.Route(Intent{Modality: ModalityChat, Stream: true, Tools: true, ProviderKind: agent.ProviderOllama})
	require.ErrorIs(t, err, ErrNoCapableProvider)
	var nc *NoCapableProviderError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, []string{"ollama"}, nc.Considered)

	_, err = r.Route(Intent{Modality: ModalityChat, Stream: true, ProviderKind: agent.ProviderMock})
	require.ErrorIs(t, err, ErrNoCapableProvider, "no port of the kind is registered")

	// A mock accepts any configuration, after the configured kind.
	require.NoError(t, r.Register(fakePort{"mock", agent.ProviderMock, capability.Provided{Capabilities: capability.Top}}, 0))
	p, err := r.Route(Intent{Modality: ModalityChat, Stream: true, ProviderKind: agent.ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
	p, err = r.Route(Intent{Modality: ModalityChat, Stream: true, Tools: true, ProviderKind: agent.ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestRegistry_Health(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakePort{"primary", agent.ProviderOllama, capability.OllamaPreset}, 0))
	require.NoError(t, r.Register(fakePort{"backup", agent.ProviderOllama, capability.OllamaPreset}, 1))

	assert.True(t, r.Healthy("primary"), "unchecked counts as healthy")
	assert.False(t, r.Healthy("missing"))

	was, seen := r.SetHealth("primary", errors.New("connection refused"))
	assert.False(t, seen)
	assert.True(t, was)
	assert.False(t, r.Healthy("primary"))

	p, err := r.Route(ChatIntent())
	require.NoError(t, err)
	assert.Equal(t, "backup", p.Name(), "unhealthy ports go last")

	r.SetHealth("backup", errors.New("down too"))
	p, err = r.Route(ChatIntent())
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name(), "all unhealthy keeps priority order")

	was, seen = r.SetHealth("primary", nil)
	assert.True(t, seen)
	assert.False(t, was)
	p, err = r.Route(ChatIntent())
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name())

	was, seen = r.SetHealth("missing", nil)
	assert.False(t, was)
	assert.False(t, seen)
}

func TestRegistry_BareProviderIsNeverRouted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakePort{"bare", agent.ProviderMock, capability.Provided{}}, 0))

	p, err := r.Route(Intent{Modality: ModalityCompletion})
	assert.ErrorIs(t, err, ErrNoCapableProvider, "text chat is still required")
	assert.Nil(t, p)

	assert.True(t, capability.Provided{}.Satisfies(capability.Requirements{}))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	var syntax *json.SyntaxError
	err := json.Unmarshal([]byte("{"), &map[string]any{})
	require.ErrorAs(t, err, &syntax)

	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindTimeout},
		{timeoutErr{}, KindTimeout},
		{err, KindMalformed},
		{io.ErrUnexpectedEOF, KindMalformed},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindUnavailable},
		{&Error{Kind: KindRateLimited}, KindRateLimited},
		{errors.New("mystery"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusForbidden, KindAuthentication},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusNotFound, KindInvalidRequest},
		{http.StatusServiceUnavailable, KindUnavailable},
		{http.StatusTeapot, KindUnknown},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		assert.Equal(t, tt.want, FromStatus("p", resp, nil).Kind, tt.status)
	}

	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"7"}}}
	e := FromStatus("openai", resp, []byte("slow down"))
	assert.Equal(t, 7*time.Second, e.RetryAfter)
	assert.Contains(t, e.Error(), "slow down")
	assert.Contains(t, e.Error(), "status 429")
	assert.Equal(t, agent.FailureRateLimited, e.Kind.FailureReason())
	assert.True(t, e.Kind.FailureReason().Recoverable())
}

func TestNewError(t *testing.T) {
	e := NewError("ollama", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, e.Kind)
	assert.ErrorIs(t, e, context.DeadlineExceeded)

	inner := Malformed("ollama", "bad line %d", 3)
	assert.Same(t, inner, NewError("other", fmt.Errorf("wrap: %w", inner)))
	assert.Equal(t, "ollama: malformed: bad line 3", inner.Error())
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	ch := Stream(ctx, func(ctx context.Context, emit Emit) error {
		emit(Chunk{Content: "a"})
		emit(Chunk{Content: "b"})
		return errors.New("broken")
	})

	var got []StreamResult
	for r := range ch {
		got = append(got, r)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Chunk.Content)
	assert.Equal(t, "b", got[1].Chunk.Content)
	assert.EqualError(t, got[2].Err, "broken")
}

func TestStream_CancelStopsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	ch := Stream(ctx, func(ctx context.Context, emit Emit) error {
		defer close(stopped)
		for i := 0; ; i++ {
			if !emit(Chunk{Content: fmt.Sprint(i)}) {
				return ctx.Err()
			}
		}
	})

	<-ch
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer did not stop after cancel")
	}
	for r := range ch {
		assert.NoError(t, r.Err, "no terminal error after cancellation")
	}
}
