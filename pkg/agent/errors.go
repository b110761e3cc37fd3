package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrCorruptStream       = errors.New("corrupt event stream")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentNotActive      = errors.New("agent not active")
	ErrModelNotConfigured  = errors.New("model not configured")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrInvalidModelConfig  = errors.New("invalid model config")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrAggregateMismatch   = errors.New("event belongs to another agent")
)

// TransitionError reports a command or event that is not allowed in the
// agent's current state. Current is empty when the agent does not exist.
type TransitionError struct {
	AgentID   AgentID
	Current   Status
	Attempted EventType
	Command   CommandName
	Reason    string
	Allowed   []EventType
	// NextCommands lists the commands that would be accepted instead.
	NextCommands []CommandName
}

func (e *TransitionError) Error() string {
	current := string(e.Current)
	if current == "" {
		current = "none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid transition: %s not allowed in state %s", e.Attempted, current)
	if e.Command != "" {
		fmt.Fprintf(&b, " (command %s)", e.Command)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ConflictError reports an optimistic concurrency failure on append.
type ConflictError struct {
	AgentID  AgentID
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on agent %s: expected version %d, stored version %d",
		e.AgentID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// CorruptStreamError reports an event history that cannot be replayed.
// It is permanent and must not be retried.
type CorruptStreamError struct {
	AgentID  AgentID
	Sequence uint64
	Reason   string
	Cause    error
}

func (e *CorruptStreamError) Error() string {
	msg := fmt.Sprintf("corrupt event stream for agent %s at sequence %d: %s", e.AgentID, e.Sequence, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CorruptStreamError) Unwrap() error { return e.Cause }

func (e *CorruptStreamError) Is(target error) bool { return target == ErrCorruptStream }

// ErrorCode is a stable, transport-safe identifier for a domain error.
type ErrorCode string

const (
	CodeInvalidTransition   ErrorCode = "invalid_transition"
	CodeConcurrencyConflict ErrorCode = "concurrency_conflict"
	CodeCorruptStream       ErrorCode = "corrupt_stream"
	CodeAgentNotFound       ErrorCode = "agent_not_found"
	CodeAgentNotActive      ErrorCode = "agent_not_active"
	CodeModelNotConfigured  ErrorCode = "model_not_configured"
	CodeInvalidCommand      ErrorCode = "invalid_command"
	CodeNoCapableProvider   ErrorCode = "no_capable_provider"
	CodeInternal            ErrorCode = "internal"
)

// coder is implemented by errors from other packages that know their code.
type coder interface {
	Code() ErrorCode
}

// Code maps err to an ErrorCode. Unknown errors map to CodeInternal.
func Code(err error) ErrorCode {
	var c coder
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCorruptStream):
		return CodeCorruptStream
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrAgentNotFound):
		return CodeAgentNotFound
	case errors.Is(err, ErrAgentNotActive):
		return CodeAgentNotActive
	case errors.Is(err, ErrModelNotConfigured):
		return CodeModelNotConfigured
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrInvalidModelConfig),
		errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrAggregateMismatch):
		return CodeInvalidCommand
	case errors.As(err, &c):
		return c.Code()
	}
	return CodeInternal
}
