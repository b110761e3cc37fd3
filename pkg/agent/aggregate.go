package agent

import (
	"fmt"
	"slices"
	"time"
)

// transitions lists the events each status accepts. The empty status stands
// for an agent with no events yet.
var transitions = map[Status][]EventType{
	"":                   {EventDeployed},
	StatusDraft:          {EventModelConfigured, EventSystemPromptConfigured, EventDecommissioned},
	StatusConfigured:     {EventModelConfigured, EventSystemPromptConfigured, EventActivated, EventDecommissioned},
	StatusActive:         {EventModelConfigured, EventSystemPromptConfigured, EventSuspended, EventDecommissioned},
	StatusSuspended:      {EventModelConfigured, EventSystemPromptConfigured, EventActivated, EventDecommissioned},
	StatusDecommissioned: nil,
}

// Agent is the aggregate root. It is a value: Apply returns a new Agent and
// never modifies the receiver. The zero value is an agent with no history.
type Agent struct {
	id           AgentID
	personID     PersonID
	name         string
	description  string
	status       Status
	modelConfig  *ModelConfig
	systemPrompt *string
	version      uint64

	suspendReason      string
	decommissionReason string
	deployedAt         time.Time
	updatedAt          time.Time
}

func (a Agent) ID() AgentID                { return a.id }
func (a Agent) PersonID() PersonID         { return a.personID }
func (a Agent) Name() string               { return a.name }
func (a Agent) Description() string        { return a.description }
func (a Agent) Status() Status             { return a.status }
func (a Agent) Version() uint64            { return a.version }
func (a Agent) DeployedAt() time.Time      { return a.deployedAt }
func (a Agent) UpdatedAt() time.Time       { return a.updatedAt }
func (a Agent) SuspendReason() string      { return a.suspendReason }
func (a Agent) DecommissionReason() string { return a.decommissionReason }

// Exists reports whether the agent has been deployed.
func (a Agent) Exists() bool { return a.version > 0 }

// ModelConfig returns a copy of the configured model, if any.
func (a Agent) ModelConfig() (ModelConfig, bool) {
	if a.modelConfig == nil {
		return ModelConfig{}, false
	}
	return a.modelConfig.Clone(), true
}

// SystemPrompt returns the prompt set through SystemPromptConfigured, if any.
func (a Agent) SystemPrompt() (string, bool) {
	if a.systemPrompt == nil {
		return "", false
	}
	return *a.systemPrompt, true
}

// EffectiveSystemPrompt is the prompt sent to providers: the agent's own
// prompt if set, otherwise the model config default.
func (a Agent) EffectiveSystemPrompt() string {
	if a.systemPrompt != nil {
		return *a.systemPrompt
	}
	if a.modelConfig != nil {
		return a.modelConfig.SystemPrompt
	}
	return ""
}

// AllowedEvents returns the events the agent would accept next.
func (a Agent) AllowedEvents() []EventType {
	allowed := slices.Clone(transitions[a.status])
	if a.modelConfig == nil {
		allowed = slices.DeleteFunc(allowed, func(t EventType) bool { return t == EventActivated })
	}
	return allowed
}

// CanSendMessage checks the dispatch guard for SendMessage.
func (a Agent) CanSendMessage() error {
	if a.status != StatusActive {
		return fmt.Errorf("%w: agent %s is %s", ErrAgentNotActive, a.id, a.statusText())
	}
	if a.modelConfig == nil {
		return fmt.Errorf("%w: agent %s", ErrModelNotConfigured, a.id)
	}
	return nil
}

func (a Agent) statusText() string {
	if a.status == "" {
		return "not deployed"
	}
	return string(a.status)
}

// Apply returns the agent that results from applying e. It is pure: the
// result depends only on a and e. On error the receiver is returned
// unchanged.
func (a Agent) Apply(e Event) (Agent, error) {
	if e == nil {
		return a, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if a.Exists() && e.AggregateID() != a.id {
		return a, fmt.Errorf("%w: event for %s applied to %s", ErrAggregateMismatch, e.AggregateID(), a.id)
	}
	if !slices.Contains(transitions[a.status], e.EventType()) {
		return a, a.transitionError(e.EventType(), "")
	}

	next := a
	switch ev := e.(type) {
	case AgentDeployed:
		if ev.AgentID.IsZero() || ev.PersonID.IsZero() {
			return a, fmt.Errorf("%w: deployed event requires agent and person ids", ErrInvalidEvent)
		}
		next.id = ev.AgentID
		next.personID = ev.PersonID
		next.name = ev.Name
		next.description = ev.Description
		next.status = StatusDraft
		next.deployedAt = ev.At
	case ModelConfigured:
		cfg := ev.Config.Clone()
		next.modelConfig = &cfg
		if a.status == StatusDraft {
			next.status = StatusConfigured
		}
	case SystemPromptConfigured:
		prompt := ev.Prompt
		next.systemPrompt = &prompt
	case AgentActivated:
		if a.modelConfig == nil {
			return a, a.transitionError(e.EventType(), "model configuration required")
		}
		next.status = StatusActive
		next.suspendReason = ""
	case AgentSuspended:
		next.status = StatusSuspended
		next.suspendReason = ev.Reason
	case AgentDecommissioned:
		next.status = StatusDecommissioned
		next.decommissionReason = ev.Reason
	default:
		return a, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, e)
	}

	next.version = a.version + 1
	next.updatedAt = e.OccurredAt()
	return next, nil
}

func (a Agent) transitionError(attempted EventType, reason string) *TransitionError {
	return &TransitionError{
		AgentID:      a.id,
		Current:      a.status,
		Attempted:    attempted,
		Reason:       reason,
		Allowed:      a.AllowedEvents(),
		NextCommands: a.NextCommands(),
	}
}

// Replay folds events onto an empty agent. Any failure is reported as a
// CorruptStreamError since a persisted history must always replay.
func Replay(events []Event) (Agent, error) {
	return ReplayFrom(Agent{}, events)
}

// ReplayFrom folds events onto a, typically an agent restored from a
// snapshot.
func ReplayFrom(a Agent, events []Event) (Agent, error) {
	for _, e := range events {
		next, err := a.Apply(e)
		if err != nil {
			id := a.id
			if e != nil && id.IsZero() {
				id = e.AggregateID()
			}
			return Agent{}, &CorruptStreamError{
				AgentID:  id,
				Sequence: a.version + 1,
				Reason:   "event cannot be applied",
				Cause:    err,
			}
		}
		a = next
	}
	return a, nil
}

// State is the serializable form of an Agent, used for snapshots and read
// models.
type State struct {
	ID                 AgentID      `json:"id"`
	PersonID           PersonID     `json:"person_id"`
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	Status             Status       `json:"status"`
	ModelConfig        *ModelConfig `json:"model_config,omitempty"`
	SystemPrompt       *string      `json:"system_prompt,omitempty"`
	Version            uint64       `json:"version"`
	SuspendReason      string       `json:"suspend_reason,omitempty"`
	DecommissionReason string       `json:"decommission_reason,omitempty"`
	DeployedAt         time.Time    `json:"deployed_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// State returns a deep copy of the agent's fields.
func (a Agent) State() State {
	s := State{
		ID:                 a.id,
		PersonID:           a.personID,
		Name:               a.name,
		Description:        a.description,
		Status:             a.status,
		Version:            a.version,
		SuspendReason:      a.suspendReason,
		DecommissionReason: a.decommissionReason,
		DeployedAt:         a.deployedAt,
		UpdatedAt:          a.updatedAt,
	}
	if a.modelConfig != nil {
		cfg := a.modelConfig.Clone()
		s.ModelConfig = &cfg
	}
	if a.systemPrompt != nil {
		p := *a.systemPrompt
		s.SystemPrompt = &p
	}
	return s
}

// FromState restores an agent from s after checking it is internally
// consistent.
func FromState(s State) (Agent, error) {
	switch {
	case s.Version == 0:
		return Agent{}, fmt.Errorf("%w: state has version 0", ErrInvalidEvent)
	case s.ID.IsZero() || s.PersonID.IsZero():
		return Agent{}, fmt.Errorf("%w: state is missing ids", ErrInvalidEvent)
	case !s.Status.Valid():
		return Agent{}, fmt.Errorf("%w: state has status %q", ErrInvalidEvent, s.Status)
	case (s.Status == StatusActive || s.Status == StatusConfigured) && s.ModelConfig == nil:
		return Agent{}, fmt.Errorf("%w: %s state without model config", ErrInvalidEvent, s.Status)
	}
	a := Agent{
		id:                 s.ID,
		personID:           s.PersonID,
		name:               s.Name,
		description:        s.Description,
		status:             s.Status,
		version:            s.Version,
		suspendReason:      s.SuspendReason,
		decommissionReason: s.DecommissionReason,
		deployedAt:         s.DeployedAt,
		updatedAt:          s.UpdatedAt,
	}
	if s.ModelConfig != nil {
		cfg := s.ModelConfig.Clone()
		a.modelConfig = &cfg
	}
	if s.SystemPrompt != nil {
		p := *s.SystemPrompt
		a.systemPrompt = &p
	}
	return a, nil
}
