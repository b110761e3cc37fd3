package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/infra/ratelimit"
	"github.com/jguan/agent-domain/pkg/provider"
	"github.com/jguan/agent-domain/pkg/provider/llm"
	"github.com/jguan/agent-domain/pkg/subject"
)

func buildAgent(t *testing.T, events func(id agent.AgentID, at time.Time) []agent.Event) agent.Agent {
	t.Helper()
	id := agent.NewAgentID()
	at := agent.Timestamp(time.Now())
	all := append([]agent.Event{agent.AgentDeployed{AgentID: id, PersonID: agent.NewPersonID(), Name: "helper", At: at}}, events(id, at)...)
	a, err := agent.Replay(all)
	require.NoError(t, err)
	return a
}

func activeAgent(t *testing.T, cfg agent.ModelConfig, prompt string) agent.Agent {
	return buildAgent(t, func(id agent.AgentID, at time.Time) []agent.Event {
		evs := []agent.Event{agent.ModelConfigured{AgentID: id, Config: cfg, At: at}}
		if prompt != "" {
			evs = append(evs, agent.SystemPromptConfigured{AgentID: id, Prompt: prompt, At: at})
		}
		return append(evs, agent.AgentActivated{AgentID: id, At: at})
	})
}

func registryWith(t *testing.T, ports ...provider.ChatPort) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()
	for i, p := range ports {
		require.NoError(t, r.Register(p, i))
	}
	return r
}

func kinds(events []agent.MessageEvent) []agent.MessageEventKind {
	out := make([]agent.MessageEventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind())
	}
	return out
}

func send(t *testing.T, svc *Service, a agent.Agent, req Request) []agent.MessageEvent {
	t.Helper()
	ch, err := svc.Send(context.Background(), a, req)
	require.NoError(t, err)
	done := make(chan []agent.MessageEvent)
	go func() { done <- Collect(ch) }()
	select {
	case events := <-done:
		return events
	case <-time.After(5 * time.Second):
		t.Fatal("message stream did not finish")
		return nil
	}
}

func TestSend_HappyPath(t *testing.T) {
	bus := eventbus.NewInMemoryBus(eventbus.WithLogger(logger.Discard()))
	defer bus.Close()

	mock := llm.NewMockClient([]string{"He", "llo"})
	svc := NewService(registryWith(t, mock), WithPublisher(bus), WithLogger(logger.Discard()))

	a := activeAgent(t, agent.NewModelConfig(agent.ProviderOllama, "llama3"), "")
	mid := agent.NewMessageID()

	var (
		mu        sync.Mutex
		published []string
	)
	_, err := bus.Subscribe(subject.MessageEvents(a.ID(), mid), func(_ context.Context, m *eventbus.Message) {
		mu.Lock()
		published = append(published, m.Subject)
		mu.Unlock()
	})
	require.NoError(t, err)

	events := send(t, svc, a, Request{MessageID: mid, Content: "hi", CorrelationID: "corr-1"})
	require.Equal(t, []agent.MessageEventKind{
		agent.MessageEventSent, agent.MessageEventChunk, agent.MessageEventChunk, agent.MessageEventCompleted,
	}, kinds(events))

	sent := events[0].(agent.MessageSent)
	assert.Equal(t, "hi", sent.Content)
	assert.Equal(t, "mock", sent.Provider)
	assert.Equal(t, "llama3", sent.Model)

	c0 := events[1].(agent.ResponseChunkReceived)
	c1 := events[2].(agent.ResponseChunkReceived)
	assert.Equal(t, 0, c0.ChunkIndex)
	assert.Equal(t, "He", c0.Content)
	assert.Equal(t, 1, c1.ChunkIndex)
	assert.Equal(t, "llo", c1.Content)

	done := events[3].(agent.ResponseCompleted)
	assert.Equal(t, 2, done.TotalChunks)
	assert.Equal(t, agent.FinishStop, done.FinishReason)
	for _, e := range events {
		assert.Equal(t, a.ID(), e.Agent())
		assert.Equal(t, mid, e.MessageRef())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		subject.MessageSent(a.ID(), mid),
		subject.MessageChunk(a.ID(), mid, 0),
		subject.MessageChunk(a.ID(), mid, 1),
		subject.MessageCompleted(a.ID(), mid),
	}, published)

	assert.Equal(t, uint64(3), a.Version(), "message events never touch the aggregate")
}

func TestSend_SystemPromptPrepended(t *testing.T) {
	mock := llm.NewMockClient([]string{"ok"})
	svc := NewService(registryWith(t, mock), WithLogger(logger.Discard()))

	cfg := agent.NewModelConfig(agent.ProviderMock, "scripted")
	cfg.SystemPrompt = "config default"
	a := activeAgent(t, cfg, "You are terse.")

	history := []provider.ContextMessage{
		{Role: provider.RoleUser, Content: "earlier"},
		{Role: provider.RoleAssistant, Content: "reply"},
	}
	send(t, svc, a, Request{Content: "now", History: history})

	assert.Equal(t, []provider.ContextMessage{
		{Role: provider.RoleSystem, Content: "You are terse."},
		{Role: provider.RoleUser, Content: "earlier"},
		{Role: provider.RoleAssistant, Content: "reply"},
		{Role: provider.RoleUser, Content: "now"},
	}, mock.LastMessages())
}

func TestSend_AgentNotActive(t *testing.T) {
	mock := llm.NewMockClient([]string{"He", "llo"})
	svc := NewService(registryWith(t, mock), WithLogger(logger.Discard()))

	deployed := buildAgent(t, func(agent.AgentID, time.Time) []agent.Event { return nil })
	events := send(t, svc, deployed, Request{Content: "hi"})
	require.Len(t, events, 1)
	failed := events[0].(agent.ResponseFailed)
	assert.Equal(t, agent.FailureAgentNotActive, failed.Reason)
	assert.False(t, failed.Recoverable)
	assert.Equal(t, 0, mock.Calls())

	suspended := buildAgent(t, func(id agent.AgentID, at time.Time) []agent.Event {
		return []agent.Event{
			agent.ModelConfigured{AgentID: id, Config: agent.NewModelConfig(agent.ProviderMock, "m"), At: at},
			agent.AgentActivated{AgentID: id, At: at},
			agent.AgentSuspended{AgentID: id, Reason: "maintenance", At: at},
		}
	})
	events = send(t, svc, suspended, Request{Content: "hi"})
	require.Len(t, events, 1)
	assert.Equal(t, agent.FailureAgentNotActive, events[0].(agent.ResponseFailed).Reason)
	assert.Equal(t, 0, mock.Calls())
}

func TestSend_NoCapableProvider(t *testing.T) {
	mock := llm.NewMockClient([]string{"x"})
	svc := NewService(registryWith(t, mock), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

	intent := provider.Intent{Modality: provider.ModalityVision, Stream: true}
	events := send(t, svc, a, Request{Content: "what is in this picture?", Intent: &intent})
	require.Len(t, events, 1)
	failed := events[0].(agent.ResponseFailed)
	assert.Equal(t, agent.FailureNoCapableProvider, failed.Reason)
	assert.Equal(t, 0, mock.Calls())
}

// kindPort is a mock that reports a real provider kind.
type kindPort struct {
	*llm.MockClient
	kind agent.ProviderKind
}

func (p kindPort) Kind() agent.ProviderKind { return p.kind }

func TestSend_NeverRoutesToAnotherProviderKind(t *testing.T) {
	openai := kindPort{MockClient: llm.NewMockClient([]string{"x"}, llm.MockName("openai")), kind: agent.ProviderOpenAI}
	svc := NewService(registryWith(t, openai), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderOllama, "llama3"), "")

	events := send(t, svc, a, Request{Content: "hi"})
	require.Len(t, events, 1)
	assert.Equal(t, agent.FailureNoCapableProvider, events[0].(agent.ResponseFailed).Reason)

	// An explicit intent without a kind still keeps the agent's provider.
	intent := provider.ChatIntent()
	events = send(t, svc, a, Request{Content: "hi", Intent: &intent})
	require.Len(t, events, 1)
	assert.Equal(t, agent.FailureNoCapableProvider, events[0].(agent.ResponseFailed).Reason)
	assert.Equal(t, 0, openai.Calls())
}

func TestSend_RateLimited(t *testing.T) {
	mock := llm.NewMockClient([]string{"ok"})
	svc := NewService(registryWith(t, mock),
		WithLogger(logger.Discard()),
		WithRateLimit(ratelimit.New(0.001, 2)),
	)
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")
	other := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

	for i := 0; i < 2; i++ {
		events := send(t, svc, a, Request{Content: "hi"})
		assert.Equal(t, agent.MessageEventCompleted, events[len(events)-1].Kind())
	}

	events := send(t, svc, a, Request{Content: "hi"})
	require.Len(t, events, 1)
	failed := events[0].(agent.ResponseFailed)
	assert.Equal(t, agent.FailureRateLimited, failed.Reason)
	assert.True(t, failed.Recoverable)
	assert.Equal(t, 2, mock.Calls())

	// Buckets are per agent.
	events = send(t, svc, other, Request{Content: "hi"})
	assert.Equal(t, agent.MessageEventCompleted, events[len(events)-1].Kind())
}

func TestSend_ProviderFailures(t *testing.T) {
	tests := []struct {
		name        string
		mock        *llm.MockClient
		wantKinds   []agent.MessageEventKind
		wantReason  agent.FailureReason
		recoverable bool
	}{
		{
			name: "rate limited mid-stream",
			mock: llm.NewMockClient([]string{"He"}, llm.MockFailAfter(&provider.Error{Kind: provider.KindRateLimited, Provider: "mock"})),
			wantKinds: []agent.MessageEventKind{
				agent.MessageEventSent, agent.MessageEventChunk, agent.MessageEventFailed,
			},
			wantReason:  agent.FailureRateLimited,
			recoverable: true,
		},
		{
			name:        "malformed response",
			mock:        llm.NewMockClient(nil, llm.MockFailAfter(provider.Malformed("mock", "bad frame"))),
			wantKinds:   []agent.MessageEventKind{agent.MessageEventSent, agent.MessageEventFailed},
			wantReason:  agent.FailureMalformed,
			recoverable: false,
		},
		{
			name:        "call rejected",
			mock:        llm.NewMockClient(nil, llm.MockFailOpen(&provider.Error{Kind: provider.KindAuthentication, Provider: "mock"})),
			wantKinds:   []agent.MessageEventKind{agent.MessageEventSent, agent.MessageEventFailed},
			wantReason:  agent.FailureAuthentication,
			recoverable: false,
		},
		{
			name:        "unclassified error",
			mock:        llm.NewMockClient(nil, llm.MockFailAfter(errors.New("boom"))),
			wantKinds:   []agent.MessageEventKind{agent.MessageEventSent, agent.MessageEventFailed},
			wantReason:  agent.FailureUnknown,
			recoverable: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(registryWith(t, tt.mock), WithLogger(logger.Discard()))
			a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

			events := send(t, svc, a, Request{Content: "hi"})
			require.Equal(t, tt.wantKinds, kinds(events))
			failed := events[len(events)-1].(agent.ResponseFailed)
			assert.Equal(t, tt.wantReason, failed.Reason)
			assert.Equal(t, tt.recoverable, failed.Recoverable)
			assert.NotEmpty(t, failed.Message)
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	mock := llm.NewMockClient([]string{"slow"}, llm.MockDelay(time.Second))
	svc := NewService(registryWith(t, mock), WithTimeout(50*time.Millisecond), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

	events := send(t, svc, a, Request{Content: "hi"})
	require.Equal(t, []agent.MessageEventKind{agent.MessageEventSent, agent.MessageEventFailed}, kinds(events))
	failed := events[1].(agent.ResponseFailed)
	assert.Equal(t, agent.FailureTimeout, failed.Reason)
	assert.True(t, failed.Recoverable)
}

// gatedPort yields one chunk, then the rest of its chunks all at once when
// gate is closed.
type gatedPort struct {
	*llm.MockClient
	gate   chan struct{}
	chunks int
}

func (p *gatedPort) StreamChat(ctx context.Context, _ agent.ModelConfig, _ []provider.ContextMessage) (<-chan provider.StreamResult, error) {
	out := make(chan provider.StreamResult, p.chunks+1)
	out <- provider.StreamResult{Chunk: provider.Chunk{Content: "x"}}
	go func() {
		defer close(out)
		select {
		case <-p.gate:
		case <-ctx.Done():
		}
		for i := 1; i < p.chunks; i++ {
			out <- provider.StreamResult{Chunk: provider.Chunk{Content: "x"}}
		}
		out <- provider.StreamResult{Chunk: provider.Chunk{Final: true, FinishReason: agent.FinishStop}}
	}()
	return out, nil
}

// recordingPublisher counts publishes, and those made after the caller's
// context was already cancelled.
type recordingPublisher struct {
	mu        sync.Mutex
	published int
	late      int
}

func (p *recordingPublisher) Publish(ctx context.Context, subj string, data []byte) error {
	return p.PublishMsg(ctx, &eventbus.Message{Subject: subj, Data: data})
}

func (p *recordingPublisher) PublishMsg(ctx context.Context, _ *eventbus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published++
	if ctx.Err() != nil {
		p.late++
	}
	return nil
}

func TestSend_CancelEmitsNoTerminalEvent(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	port := &gatedPort{MockClient: llm.NewMockClient(nil), gate: make(chan struct{}), chunks: 500}
	pub := &recordingPublisher{}
	svc := NewService(registryWith(t, port), WithPublisher(pub), WithMeterProvider(mp), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.Send(ctx, a, Request{Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, agent.MessageEventSent, (<-ch).Kind())
	assert.Equal(t, agent.MessageEventChunk, (<-ch).Kind())
	cancel()
	close(port.gate)

	// The caller keeps draining; nothing more may arrive.
	for e := range ch {
		t.Errorf("event %s delivered after cancellation", e.Kind())
	}

	pub.mu.Lock()
	assert.Equal(t, 2, pub.published)
	assert.Equal(t, 0, pub.late)
	pub.mu.Unlock()
	assert.Equal(t, int64(1), counter(t, reader, "agent.messages.cancelled"))
	assert.Equal(t, int64(0), counter(t, reader, "agent.messages.failed"))
	assert.Equal(t, int64(0), counter(t, reader, "agent.messages.completed"))
}

func TestEmit_AfterCancelPublishesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(provider.NewRegistry(), WithPublisher(pub), WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan agent.MessageEvent, 1)
	st := &stream{
		s:       svc,
		ctx:     ctx,
		out:     out,
		agentID: agent.NewAgentID(),
		msgID:   agent.NewMessageID(),
		log:     logger.Discard(),
		span:    trace.SpanFromContext(ctx),
	}
	assert.False(t, st.emit(agent.ResponseChunkReceived{AgentID: st.agentID, MessageID: st.msgID, Content: "x"}))
	st.fail(agent.FailureTimeout, "late")

	assert.Equal(t, 0, pub.published)
	assert.Empty(t, out)
	assert.True(t, st.done)
}

type flakyPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *flakyPublisher) Publish(ctx context.Context, subj string, data []byte) error {
	return p.PublishMsg(ctx, &eventbus.Message{Subject: subj, Data: data})
}

func (p *flakyPublisher) PublishMsg(_ context.Context, m *eventbus.Message) error {
	if strings.Contains(m.Subject, ".chunk.") {
		return errors.New("connection lost")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, m.Subject)
	return nil
}

func TestSend_PublishFailureEndsStream(t *testing.T) {
	pub := &flakyPublisher{}
	mock := llm.NewMockClient([]string{"He", "llo"})
	svc := NewService(registryWith(t, mock), WithPublisher(pub), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")
	mid := agent.NewMessageID()

	events := send(t, svc, a, Request{MessageID: mid, Content: "hi"})
	require.Equal(t, []agent.MessageEventKind{agent.MessageEventSent, agent.MessageEventFailed}, kinds(events))
	failed := events[1].(agent.ResponseFailed)
	assert.Equal(t, agent.FailureUnavailable, failed.Reason)
	assert.Contains(t, failed.Message, "connection lost")

	assert.Equal(t, []string{subject.MessageSent(a.ID(), mid), subject.MessageFailed(a.ID(), mid)}, pub.subjects)
}

func TestSend_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mock := llm.NewMockClient([]string{"a", "b", "c"})
	svc := NewService(registryWith(t, mock), WithMeterProvider(mp), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

	send(t, svc, a, Request{Content: "one"})
	send(t, svc, a, Request{Content: "two"})

	assert.Equal(t, int64(2), counter(t, reader, "agent.messages.sent"))
	assert.Equal(t, int64(2), counter(t, reader, "agent.messages.completed"))
	assert.Equal(t, int64(6), counter(t, reader, "agent.message.chunks"))
}

func TestSend_InvalidRequest(t *testing.T) {
	svc := NewService(provider.NewRegistry(), WithLogger(logger.Discard()))
	a := activeAgent(t, agent.NewModelConfig(agent.ProviderMock, "m"), "")

	_, err := svc.Send(context.Background(), a, Request{})
	assert.ErrorIs(t, err, agent.ErrInvalidCommand)

	bad := provider.Intent{Modality: "telepathy"}
	_, err = svc.Send(context.Background(), a, Request{Content: "hi", Intent: &bad})
	assert.ErrorIs(t, err, agent.ErrInvalidCommand)
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
