package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CommandName names a command. The value doubles as the final token of the
// command's subject.
type CommandName string

const (
	CommandDeploy                CommandName = "deploy"
	CommandConfigureModel        CommandName = "configure_model"
	CommandConfigureSystemPrompt CommandName = "configure_system_prompt"
	CommandActivate              CommandName = "activate"
	CommandSuspend               CommandName = "suspend"
	CommandDecommission          CommandName = "decommission"
	CommandSendMessage           CommandName = "send_message"
)

// CommandNames lists every command an agent understands.
var CommandNames = []CommandName{
	CommandDeploy, CommandConfigureModel, CommandConfigureSystemPrompt,
	CommandActivate, CommandSuspend, CommandDecommission, CommandSendMessage,
}

func (c CommandName) Valid() bool {
	for _, n := range CommandNames {
		if n == c {
			return true
		}
	}
	return false
}

// commandFor maps each lifecycle event to the command that produces it.
var commandFor = map[EventType]CommandName{
	EventDeployed:               CommandDeploy,
	EventModelConfigured:        CommandConfigureModel,
	EventSystemPromptConfigured: CommandConfigureSystemPrompt,
	EventActivated:              CommandActivate,
	EventSuspended:              CommandSuspend,
	EventDecommissioned:         CommandDecommission,
}

// NextCommands lists the commands the agent would accept in its current
// state, including send_message when the dispatch guard passes.
func (a Agent) NextCommands() []CommandName {
	allowed := a.AllowedEvents()
	out := make([]CommandName, 0, len(allowed)+1)
	for _, t := range allowed {
		out = append(out, commandFor[t])
	}
	if a.CanSendMessage() == nil {
		out = append(out, CommandSendMessage)
	}
	return out
}

// Command is a request to change an agent's lifecycle state.
type Command interface {
	Kind() CommandName
	Target() AgentID
}

// Deploy creates a new agent bound to PersonID. A zero AgentID asks Decide
// to allocate one.
type Deploy struct {
	AgentID     AgentID  `json:"agent_id"`
	PersonID    PersonID `json:"person_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
}

type ConfigureModel struct {
	AgentID AgentID     `json:"agent_id"`
	Config  ModelConfig `json:"config"`
}

type ConfigureSystemPrompt struct {
	AgentID AgentID `json:"agent_id"`
	Prompt  string  `json:"prompt"`
}

type Activate struct {
	AgentID AgentID `json:"agent_id"`
}

type Suspend struct {
	AgentID AgentID `json:"agent_id"`
	Reason  string  `json:"reason"`
}

type Decommission struct {
	AgentID AgentID `json:"agent_id"`
	Reason  string  `json:"reason,omitempty"`
}

func (Deploy) Kind() CommandName                { return CommandDeploy }
func (ConfigureModel) Kind() CommandName        { return CommandConfigureModel }
func (ConfigureSystemPrompt) Kind() CommandName { return CommandConfigureSystemPrompt }
func (Activate) Kind() CommandName              { return CommandActivate }
func (Suspend) Kind() CommandName               { return CommandSuspend }
func (Decommission) Kind() CommandName          { return CommandDecommission }

func (c Deploy) Target() AgentID                { return c.AgentID }
func (c ConfigureModel) Target() AgentID        { return c.AgentID }
func (c ConfigureSystemPrompt) Target() AgentID { return c.AgentID }
func (c Activate) Target() AgentID              { return c.AgentID }
func (c Suspend) Target() AgentID               { return c.AgentID }
func (c Decommission) Target() AgentID          { return c.AgentID }

// Decide validates cmd against a and returns the events it produces. No
// event is returned unless every one of them applies cleanly, and a is
// never modified.
func Decide(a Agent, cmd Command, now time.Time) ([]Event, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	at := Timestamp(now)

	var ev Event
	switch c := cmd.(type) {
	case Deploy:
		if c.PersonID.IsZero() {
			return nil, fmt.Errorf("%w: person_id is required", ErrInvalidCommand)
		}
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidCommand)
		}
		id := c.AgentID
		if id.IsZero() {
			id = NewAgentID()
		}
		ev = AgentDeployed{AgentID: id, PersonID: c.PersonID, Name: c.Name, Description: c.Description, At: at}
	case ConfigureModel:
		if err := c.Config.Validate(); err != nil {
			return nil, err
		}
		ev = ModelConfigured{AgentID: c.AgentID, Config: c.Config.Clone(), At: at}
	case ConfigureSystemPrompt:
		ev = SystemPromptConfigured{AgentID: c.AgentID, Prompt: c.Prompt, At: at}
	case Activate:
		ev = AgentActivated{AgentID: c.AgentID, At: at}
	case Suspend:
		ev = AgentSuspended{AgentID: c.AgentID, Reason: c.Reason, At: at}
	case Decommission:
		ev = AgentDecommissioned{AgentID: c.AgentID, Reason: c.Reason, At: at}
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", ErrInvalidCommand, cmd)
	}

	if cmd.Kind() != CommandDeploy {
		if !a.Exists() {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, cmd.Target())
		}
		if cmd.Target() != a.id {
			return nil, fmt.Errorf("%w: command for %s sent to %s", ErrAggregateMismatch, cmd.Target(), a.id)
		}
	}

	if _, err := a.Apply(ev); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			te.Command = cmd.Kind()
		}
		return nil, err
	}
	return []Event{ev}, nil
}
