package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageEventKind names an ephemeral message event. Message events are
// published for observers and never appended to the event store.
type MessageEventKind string

const (
	MessageEventSent      MessageEventKind = "sent"
	MessageEventChunk     MessageEventKind = "chunk"
	MessageEventCompleted MessageEventKind = "completed"
	MessageEventFailed    MessageEventKind = "failed"
)

// MessageEvent is one step of a message's lifecycle: Sent, then zero or
// more chunks, then exactly one of Completed or Failed.
type MessageEvent interface {
	Kind() MessageEventKind
	Agent() AgentID
	MessageRef() MessageID
	Terminal() bool
}

type MessageSent struct {
	AgentID   AgentID   `json:"agent_id"`
	MessageID MessageID `json:"message_id"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	At        time.Time `json:"occurred_at"`
}

type ResponseChunkReceived struct {
	AgentID    AgentID   `json:"agent_id"`
	MessageID  MessageID `json:"message_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	At         time.Time `json:"occurred_at"`
}

// FinishReason says why a provider stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
)

// TokenUsage is the token accounting reported by a provider, if any.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

type ResponseCompleted struct {
	AgentID      AgentID       `json:"agent_id"`
	MessageID    MessageID     `json:"message_id"`
	TotalChunks  int           `json:"total_chunks"`
	FinishReason FinishReason  `json:"finish_reason,omitempty"`
	Usage        *TokenUsage   `json:"usage,omitempty"`
	Duration     time.Duration `json:"-"`
	At           time.Time     `json:"occurred_at"`
}

// FailureReason classifies why a message failed.
type FailureReason string

const (
	FailureTimeout            FailureReason = "timeout"
	FailureRateLimited        FailureReason = "rate_limited"
	FailureMalformed          FailureReason = "malformed"
	FailureUnavailable        FailureReason = "unavailable"
	FailureAuthentication     FailureReason = "authentication"
	FailureInvalidRequest     FailureReason = "invalid_request"
	FailureContentPolicy      FailureReason = "content_policy"
	FailureAgentNotActive     FailureReason = "agent_not_active"
	FailureModelNotConfigured FailureReason = "model_not_configured"
	FailureNoCapableProvider  FailureReason = "no_capable_provider"
	FailureUnknown            FailureReason = "unknown"
)

// Recoverable reports whether retrying the same request later may succeed.
func (r FailureReason) Recoverable() bool {
	switch r {
	case FailureTimeout, FailureRateLimited, FailureUnavailable:
		return true
	}
	return false
}

type ResponseFailed struct {
	AgentID     AgentID       `json:"agent_id"`
	MessageID   MessageID     `json:"message_id"`
	Reason      FailureReason `json:"reason"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
	At          time.Time     `json:"occurred_at"`
}

func (MessageSent) Kind() MessageEventKind           { return MessageEventSent }
func (ResponseChunkReceived) Kind() MessageEventKind { return MessageEventChunk }
func (ResponseCompleted) Kind() MessageEventKind     { return MessageEventCompleted }
func (ResponseFailed) Kind() MessageEventKind        { return MessageEventFailed }

func (e MessageSent) Agent() AgentID           { return e.AgentID }
func (e ResponseChunkReceived) Agent() AgentID { return e.AgentID }
func (e ResponseCompleted) Agent() AgentID     { return e.AgentID }
func (e ResponseFailed) Agent() AgentID        { return e.AgentID }

func (e MessageSent) MessageRef() MessageID           { return e.MessageID }
func (e ResponseChunkReceived) MessageRef() MessageID { return e.MessageID }
func (e ResponseCompleted) MessageRef() MessageID     { return e.MessageID }
func (e ResponseFailed) MessageRef() MessageID        { return e.MessageID }

func (MessageSent) Terminal() bool           { return false }
func (ResponseChunkReceived) Terminal() bool { return false }
func (ResponseCompleted) Terminal() bool     { return true }
func (ResponseFailed) Terminal() bool        { return true }

type responseCompletedJSON struct {
	AgentID      AgentID      `json:"agent_id"`
	MessageID    MessageID    `json:"message_id"`
	TotalChunks  int          `json:"total_chunks"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	At           time.Time    `json:"occurred_at"`
}

// MarshalJSON encodes Duration as whole milliseconds.
func (e ResponseCompleted) MarshalJSON() ([]byte, error) {
	return json.Marshal(responseCompletedJSON{
		AgentID:      e.AgentID,
		MessageID:    e.MessageID,
		TotalChunks:  e.TotalChunks,
		FinishReason: e.FinishReason,
		Usage:        e.Usage,
		DurationMs:   e.Duration.Milliseconds(),
		At:           e.At,
	})
}

func (e *ResponseCompleted) UnmarshalJSON(data []byte) error {
	var raw responseCompletedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = ResponseCompleted{
		AgentID:      raw.AgentID,
		MessageID:    raw.MessageID,
		TotalChunks:  raw.TotalChunks,
		FinishReason: raw.FinishReason,
		Usage:        raw.Usage,
		Duration:     time.Duration(raw.DurationMs) * time.Millisecond,
		At:           raw.At,
	}
	return nil
}

// DecodeMessageEvent rebuilds a message event of the given kind.
func DecodeMessageEvent(kind MessageEventKind, data []byte) (MessageEvent, error) {
	var (
		e   MessageEvent
		err error
	)
	switch kind {
	case MessageEventSent:
		var v MessageSent
		err = json.Unmarshal(data, &v)
		e = v
	case MessageEventChunk:
		var v ResponseChunkReceived
		err = json.Unmarshal(data, &v)
		e = v
	case MessageEventCompleted:
		var v ResponseCompleted
		err = json.Unmarshal(data, &v)
		e = v
	case MessageEventFailed:
		var v ResponseFailed
		err = json.Unmarshal(data, &v)
		e = v
	default:
		return nil, fmt.Errorf("%w: unknown message event kind %q", ErrInvalidEvent, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, kind, err)
	}
	return e, nil
}
