package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a lifecycle event. The value doubles as the final token of
// the event's subject.
type EventType string

const (
	EventDeployed               EventType = "deployed"
	EventModelConfigured        EventType = "model_configured"
	EventSystemPromptConfigured EventType = "system_prompt_configured"
	EventActivated              EventType = "activated"
	EventSuspended              EventType = "suspended"
	EventDecommissioned         EventType = "decommissioned"
)

// EventTypes lists all lifecycle event types in lifecycle order.
var EventTypes = []EventType{
	EventDeployed, EventModelConfigured, EventSystemPromptConfigured,
	EventActivated, EventSuspended, EventDecommissioned,
}

func (t EventType) Valid() bool {
	for _, et := range EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Event is a persisted lifecycle event. Events carry their own timestamp so
// applying them never reads the clock.
type Event interface {
	EventType() EventType
	AggregateID() AgentID
	OccurredAt() time.Time
}

type AgentDeployed struct {
	AgentID     AgentID   `json:"agent_id"`
	PersonID    PersonID  `json:"person_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"occurred_at"`
}

type ModelConfigured struct {
	AgentID AgentID     `json:"agent_id"`
	Config  ModelConfig `json:"config"`
	At      time.Time   `json:"occurred_at"`
}

type SystemPromptConfigured struct {
	AgentID AgentID   `json:"agent_id"`
	Prompt  string    `json:"prompt"`
	At      time.Time `json:"occurred_at"`
}

type AgentActivated struct {
	AgentID AgentID   `json:"agent_id"`
	At      time.Time `json:"occurred_at"`
}

type AgentSuspended struct {
	AgentID AgentID   `json:"agent_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"occurred_at"`
}

type AgentDecommissioned struct {
	AgentID AgentID   `json:"agent_id"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"occurred_at"`
}

func (e AgentDeployed) EventType() EventType          { return EventDeployed }
func (e ModelConfigured) EventType() EventType        { return EventModelConfigured }
func (e SystemPromptConfigured) EventType() EventType { return EventSystemPromptConfigured }
func (e AgentActivated) EventType() EventType         { return EventActivated }
func (e AgentSuspended) EventType() EventType         { return EventSuspended }
func (e AgentDecommissioned) EventType() EventType    { return EventDecommissioned }

func (e AgentDeployed) AggregateID() AgentID          { return e.AgentID }
func (e ModelConfigured) AggregateID() AgentID        { return e.AgentID }
func (e SystemPromptConfigured) AggregateID() AgentID { return e.AgentID }
func (e AgentActivated) AggregateID() AgentID         { return e.AgentID }
func (e AgentSuspended) AggregateID() AgentID         { return e.AgentID }
func (e AgentDecommissioned) AggregateID() AgentID    { return e.AgentID }

func (e AgentDeployed) OccurredAt() time.Time          { return e.At }
func (e ModelConfigured) OccurredAt() time.Time        { return e.At }
func (e SystemPromptConfigured) OccurredAt() time.Time { return e.At }
func (e AgentActivated) OccurredAt() time.Time         { return e.At }
func (e AgentSuspended) OccurredAt() time.Time         { return e.At }
func (e AgentDecommissioned) OccurredAt() time.Time    { return e.At }

// Timestamp normalizes t for storage in an event: UTC, no monotonic reading.
// Normalized times survive an encode/decode round trip unchanged.
func Timestamp(t time.Time) time.Time { return t.UTC().Round(0) }

// EncodeEvent serializes the payload of e.
func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventType(), err)
	}
	return data, nil
}

// DecodeEvent rebuilds an event of type t from its encoded payload.
func DecodeEvent(t EventType, data []byte) (Event, error) {
	var (
		e   Event
		err error
	)
	switch t {
	case EventDeployed:
		e, err = decodeAs[AgentDeployed](data)
	case EventModelConfigured:
		e, err = decodeAs[ModelConfigured](data)
	case EventSystemPromptConfigured:
		e, err = decodeAs[SystemPromptConfigured](data)
	case EventActivated:
		e, err = decodeAs[AgentActivated](data)
	case EventSuspended:
		e, err = decodeAs[AgentSuspended](data)
	case EventDecommissioned:
		e, err = decodeAs[AgentDecommissioned](data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, t, err)
	}
	return e, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
