package agent

import (
	"fmt"

	"github.com/google/uuid"
)

// AgentID identifies an agent aggregate. IDs are UUIDv7 so they sort by
// creation time.
type AgentID uuid.UUID

// PersonID identifies the person an agent is bound to.
type PersonID uuid.UUID

// MessageID identifies a single message sent to an agent.
type MessageID uuid.UUID

func newV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.New()
	}
	return id
}

func NewAgentID() AgentID     { return AgentID(newV7()) }
func NewPersonID() PersonID   { return PersonID(newV7()) }
func NewMessageID() MessageID { return MessageID(newV7()) }

func ParseAgentID(s string) (AgentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, fmt.Errorf("parse agent id %q: %w", s, err)
	}
	return AgentID(id), nil
}

func ParsePersonID(s string) (PersonID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PersonID{}, fmt.Errorf("parse person id %q: %w", s, err)
	}
	return PersonID(id), nil
}

func ParseMessageID(s string) (MessageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("parse message id %q: %w", s, err)
	}
	return MessageID(id), nil
}

func (id AgentID) String() string   { return uuid.UUID(id).String() }
func (id PersonID) String() string  { return uuid.UUID(id).String() }
func (id MessageID) String() string { return uuid.UUID(id).String() }

func (id AgentID) IsZero() bool   { return id == AgentID{} }
func (id PersonID) IsZero() bool  { return id == PersonID{} }
func (id MessageID) IsZero() bool { return id == MessageID{} }

func (id AgentID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id PersonID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id MessageID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *AgentID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *PersonID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *MessageID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
