package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/provider"
	"github.com/jguan/agent-domain/pkg/subject"
)

// SendMessage is the payload of a send_message command. It is not a
// lifecycle command: it produces message events and no persisted event.
type SendMessage struct {
	AgentID   agent.AgentID             `json:"agent_id"`
	MessageID agent.MessageID           `json:"message_id"`
	Content   string                    `json:"content"`
	History   []provider.ContextMessage `json:"history,omitempty"`
	Intent    *provider.Intent          `json:"intent,omitempty"`
}

// Reply is the response to a command or query sent with a reply subject.
type Reply struct {
	Status    string          `json:"status"`
	AgentID   string          `json:"agent_id,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Code      agent.ErrorCode `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	// CurrentState and ValidNextCommands are set for rejected transitions.
	CurrentState      agent.Status        `json:"current_state,omitempty"`
	ValidNextCommands []agent.CommandName `json:"valid_next_commands,omitempty"`
	// Agents holds the result of a query.
	Agents []agent.State `json:"agents,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OK reports whether the command was accepted.
func (r Reply) OK() bool { return r.Status == StatusOK }

// Err returns the rejection as a ReplyError, or nil for an accepted command.
func (r Reply) Err() error {
	if r.OK() {
		return nil
	}
	return &ReplyError{Reply: r}
}

// ReplyError is a command rejection received over the transport.
type ReplyError struct {
	Reply Reply
}

func (e *ReplyError) Error() string {
	if e.Reply.CurrentState != "" {
		return fmt.Sprintf("%s: %s (state %s, valid next: %v)", e.Reply.Code, e.Reply.Message, e.Reply.CurrentState, e.Reply.ValidNextCommands)
	}
	return fmt.Sprintf("%s: %s", e.Reply.Code, e.Reply.Message)
}

// Is maps the wire code back onto the agent sentinels.
func (e *ReplyError) Is(target error) bool {
	switch e.Reply.Code {
	case agent.CodeInvalidTransition:
		return target == agent.ErrInvalidTransition
	case agent.CodeConcurrencyConflict:
		return target == agent.ErrConcurrencyConflict
	case agent.CodeCorruptStream:
		return target == agent.ErrCorruptStream
	case agent.CodeAgentNotFound:
		return target == agent.ErrAgentNotFound
	case agent.CodeInvalidCommand:
		return target == agent.ErrInvalidCommand
	case agent.CodeAgentNotActive:
		return target == agent.ErrAgentNotActive
	case agent.CodeModelNotConfigured:
		return target == agent.ErrModelNotConfigured
	}
	return false
}

func (e *ReplyError) Code() agent.ErrorCode { return e.Reply.Code }

// errorReply builds the reply for err.
func errorReply(err error) Reply {
	r := Reply{Status: StatusError, Code: agent.Code(err), Message: err.Error()}
	var te *agent.TransitionError
	if errors.As(err, &te) {
		r.AgentID = te.AgentID.String()
		r.CurrentState = te.Current
		r.ValidNextCommands = te.NextCommands
	}
	return r
}

// EncodeCommand returns the subject and payload for cmd.
func EncodeCommand(cmd agent.Command) (string, []byte, error) {
	var (
		subj string
		err  error
	)
	if cmd.Kind() == agent.CommandDeploy {
		subj = subject.Deploy()
	} else {
		subj, err = subject.Command(cmd.Target(), cmd.Kind())
		if err != nil {
			return "", nil, err
		}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return subj, data, nil
}

// EncodeSendMessage returns the subject and payload for m.
func EncodeSendMessage(m SendMessage) (string, []byte, error) {
	subj, err := subject.Command(m.AgentID, agent.CommandSendMessage)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode send_message: %w", err)
	}
	return subj, data, nil
}

// DecodeCommand decodes a lifecycle command received on a command subject.
// The agent id in the subject is authoritative; a payload naming another
// agent is rejected.
func DecodeCommand(p subject.Parsed, data []byte) (agent.Command, error) {
	var cmd agent.Command
	var err error
	switch p.Command {
	case agent.CommandDeploy:
		cmd, err = decodeInto[agent.Deploy](data)
	case agent.CommandConfigureModel:
		cmd, err = decodeInto[agent.ConfigureModel](data)
	case agent.CommandConfigureSystemPrompt:
		cmd, err = decodeInto[agent.ConfigureSystemPrompt](data)
	case agent.CommandActivate:
		cmd, err = decodeInto[agent.Activate](data)
	case agent.CommandSuspend:
		cmd, err = decodeInto[agent.Suspend](data)
	case agent.CommandDecommission:
		cmd, err = decodeInto[agent.Decommission](data)
	default:
		return nil, fmt.Errorf("%w: %q is not a lifecycle command", agent.ErrInvalidCommand, p.Command)
	}
	if err != nil {
		return nil, err
	}
	if p.Command == agent.CommandDeploy {
		return cmd, nil
	}
	if t := cmd.Target(); !t.IsZero() && t != p.AgentID {
		return nil, fmt.Errorf("%w: payload names agent %s on subject for %s", agent.ErrInvalidCommand, t, p.AgentID)
	}
	return withTarget(cmd, p.AgentID), nil
}

// DecodeSendMessage decodes a send_message payload.
func DecodeSendMessage(p subject.Parsed, data []byte) (SendMessage, error) {
	m, err := decodeInto[SendMessage](data)
	if err != nil {
		return SendMessage{}, err
	}
	if !m.AgentID.IsZero() && m.AgentID != p.AgentID {
		return SendMessage{}, fmt.Errorf("%w: payload names agent %s on subject for %s", agent.ErrInvalidCommand, m.AgentID, p.AgentID)
	}
	m.AgentID = p.AgentID
	return m, nil
}

func decodeInto[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: decode payload: %v", agent.ErrInvalidCommand, err)
	}
	return v, nil
}

func withTarget(cmd agent.Command, id agent.AgentID) agent.Command {
	switch c := cmd.(type) {
	case agent.ConfigureModel:
		c.AgentID = id
		return c
	case agent.ConfigureSystemPrompt:
		c.AgentID = id
		return c
	case agent.Activate:
		c.AgentID = id
		return c
	case agent.Suspend:
		c.AgentID = id
		return c
	case agent.Decommission:
		c.AgentID = id
		return c
	}
	return cmd
}
