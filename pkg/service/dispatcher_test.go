package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/messaging"
	"github.com/jguan/agent-domain/pkg/provider"
	"github.com/jguan/agent-domain/pkg/provider/llm"
	"github.com/jguan/agent-domain/pkg/subject"
)

func startDispatcher(t *testing.T, h *harness) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(h.bus, h.svc, WithMaxInflight(4), WithDispatcherLogger(logger.Discard()))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})

	select {
	case <-d.Ready():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not subscribe")
	}
	return NewClient(h.bus, 5*time.Second)
}

func collect(t *testing.T, ch <-chan agent.MessageEvent) []agent.MessageEvent {
	t.Helper()
	var out []agent.MessageEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("message stream did not finish")
			return nil
		}
	}
}

func TestDispatcher_HappyPath(t *testing.T) {
	h := newHarness(t)
	client := startDispatcher(t, h)
	ctx := context.Background()

	id, err := client.Deploy(ctx, agent.Deploy{PersonID: agent.NewPersonID(), Name: "helper"})
	require.NoError(t, err)
	_, err = client.ConfigureModel(ctx, id, agent.NewModelConfig(agent.ProviderOllama, "llama3"))
	require.NoError(t, err)
	r, err := client.Activate(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, uint64(3), r.Version)

	ch, err := client.SendMessage(ctx, SendMessage{AgentID: id, Content: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 4)

	assert.Equal(t, agent.MessageEventSent, events[0].Kind())
	c0 := events[1].(agent.ResponseChunkReceived)
	c1 := events[2].(agent.ResponseChunkReceived)
	assert.Equal(t, 0, c0.ChunkIndex)
	assert.Equal(t, "He", c0.Content)
	assert.Equal(t, 1, c1.ChunkIndex)
	assert.Equal(t, "llo", c1.Content)
	done := events[3].(agent.ResponseCompleted)
	assert.Equal(t, 2, done.TotalChunks)

	v, err := h.events.Version(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestDispatcher_SendToDraftAgent(t *testing.T) {
	h := newHarness(t)
	client := startDispatcher(t, h)
	ctx := context.Background()

	id, err := client.Deploy(ctx, agent.Deploy{PersonID: agent.NewPersonID(), Name: "helper"})
	require.NoError(t, err)

	ch, err := client.SendMessage(ctx, SendMessage{AgentID: id, Content: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 1)
	failed, ok := events[0].(agent.ResponseFailed)
	require.True(t, ok)
	assert.Equal(t, agent.FailureAgentNotActive, failed.Reason)
	assert.Zero(t, h.mock.Calls())
}

func TestDispatcher_ReconfigureKeepsActive(t *testing.T) {
	h := newHarness(t)
	client := startDispatcher(t, h)
	ctx := context.Background()

	id, err := client.Deploy(ctx, agent.Deploy{PersonID: agent.NewPersonID(), Name: "helper"})
	require.NoError(t, err)
	_, err = client.ConfigureModel(ctx, id, agent.NewModelConfig(agent.ProviderOllama, "llama3"))
	require.NoError(t, err)
	_, err = client.Activate(ctx, id)
	require.NoError(t, err)
	_, err = client.ConfigureModel(ctx, id, agent.NewModelConfig(agent.ProviderOllama, "mistral"))
	require.NoError(t, err)

	a, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, a.Status())
	assert.Equal(t, uint64(4), a.Version())
}

func TestDispatcher_RejectedTransition(t *testing.T) {
	h := newHarness(t)
	client := startDispatcher(t, h)
	ctx := context.Background()

	id, err := client.Deploy(ctx, agent.Deploy{PersonID: agent.NewPersonID(), Name: "helper"})
	require.NoError(t, err)

	r, err := client.Activate(ctx, id)
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, agent.ErrInvalidTransition)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, agent.CodeInvalidTransition, r.Code)
	assert.Equal(t, agent.StatusDraft, r.CurrentState)
	assert.Contains(t, r.ValidNextCommands, agent.CommandConfigureModel)

	_, err = client.Suspend(ctx, agent.NewAgentID(), "gone")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestDispatcher_Decommission(t *testing.T) {
	h := newHarness(t)
	client := startDispatcher(t, h)
	ctx := context.Background()

	id, err := client.Deploy(ctx, agent.Deploy{PersonID: agent.NewPersonID(), Name: "helper"})
	require.NoError(t, err)
	_, err = client.ConfigureSystemPrompt(ctx, id, "be brief")
	require.NoError(t, err)
	r, err := client.Decommission(ctx, id, "retired")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.Version)

	r, err = client.ConfigureSystemPrompt(ctx, id, "again")
	require.ErrorIs(t, err, agent.ErrInvalidTransition)
	assert.Equal(t, agent.StatusDecommissioned, r.CurrentState)
	assert.Empty(t, r.ValidNextCommands)
}

func TestDispatcher_MalformedPayloads(t *testing.T) {
	h := newHarness(t)
	startDispatcher(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := h.deploy(t)
	subj, err := subject.Command(id, agent.CommandActivate)
	require.NoError(t, err)

	tests := []struct {
		name string
		subj string
		data []byte
	}{
		{"not json", subj, []byte("{")},
		{"payload names another agent", subj, mustJSON(t, agent.Activate{AgentID: agent.NewAgentID()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := h.bus.Request(ctx, tt.subj, tt.data)
			require.NoError(t, err)
			var r Reply
			require.NoError(t, json.Unmarshal(msg.Data, &r))
			assert.Equal(t, StatusError, r.Status)
			assert.Equal(t, agent.CodeInvalidCommand, r.Code)
		})
	}
}

func TestDispatcher_FireAndForget(t *testing.T) {
	h := newHarness(t)
	startDispatcher(t, h)
	ctx := context.Background()

	id := h.deploy(t)
	subj, data, err := EncodeCommand(agent.ConfigureSystemPrompt{AgentID: id, Prompt: "be brief"})
	require.NoError(t, err)
	require.NoError(t, h.bus.PublishMsg(ctx, &eventbus.Message{
		Subject: subj,
		Data:    data,
		Header:  map[string]string{eventbus.HeaderCorrelationID: "corr-42"},
	}))

	require.Eventually(t, func() bool {
		v, err := h.events.Version(ctx, id)
		return err == nil && v == 2
	}, 2*time.Second, 10*time.Millisecond)

	envs, err := h.events.Load(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "corr-42", envs[0].CorrelationID)
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(h.bus, h.svc, WithDispatcherLogger(logger.Discard()))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-d.Ready()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer reqCancel()
	_, err := NewClient(h.bus, time.Second).Activate(reqCtx, agent.NewAgentID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_StopsWhileSaturated(t *testing.T) {
	slow := llm.NewMockClient([]string{"never"}, llm.MockDelay(time.Minute))
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(slow, 0))
	h := newHarness(t, WithMessaging(messaging.NewService(reg, messaging.WithLogger(logger.Discard()))))
	id := h.activate(t, "llama3")

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(h.bus, h.svc, WithMaxInflight(1), WithDispatcherLogger(logger.Discard()))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-d.Ready()

	// The only slot is taken by a message that streams for a minute.
	subj, data, err := EncodeSendMessage(SendMessage{AgentID: id, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), subj, data))
	require.Eventually(t, func() bool { return slow.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	// This delivery waits for a slot.
	subj, data, err = EncodeCommand(agent.Suspend{AgentID: id, Reason: "queued"})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), subj, data))
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return while a delivery waited for a slot")
	}

	// The queued lifecycle command was accepted before shutdown, so it ran.
	v, err := h.events.Version(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
