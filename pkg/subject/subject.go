// Package subject builds and matches the hierarchical subjects used to
// address agent commands and events on the transport.
//
// Grammar:
//
//	agent.commands.agent.deploy
//	agent.commands.agent.<agent_id>.<command>
//	agent.events.agent.<agent_id>.<event>
//	agent.events.agent.<agent_id>.message.<message_id>.(sent|chunk.<n>|completed|failed)
//	agent.queries.agent.list
//	agent.queries.agent.<agent_id>.get
//
// Tokens are joined by '.' and never contain '.', whitespace, '*' or '>'.
// Patterns may use '*' for exactly one token and '>' as the final token for
// one or more trailing tokens.
package subject

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/jguan/agent-domain/pkg/agent"
)

const (
	Separator      = "."
	SingleWildcard = "*"
	MultiWildcard  = ">"

	root       = "agent"
	kindCmds   = "commands"
	kindEvents = "events"
	kindQuery  = "queries"
	aggregate  = "agent"
	message    = "message"
	chunk      = "chunk"
)

var (
	ErrInvalidToken   = errors.New("invalid subject token")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidPattern = errors.New("invalid subject pattern")
)

// ValidateToken checks that tok can be used as one literal subject token.
func ValidateToken(tok string) error {
	if tok == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	for _, r := range tok {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidToken, tok, r)
		}
	}
	return nil
}

// ValidateSubject checks a literal subject: no wildcards, no empty tokens.
func ValidateSubject(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSubject)
	}
	for _, tok := range strings.Split(s, Separator) {
		if err := ValidateToken(tok); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidSubject, s, err)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. Wildcards must occupy a
// whole token and '>' may only be last.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	toks := strings.Split(p, Separator)
	for i, tok := range toks {
		switch tok {
		case SingleWildcard:
			continue
		case MultiWildcard:
			if i != len(toks)-1 {
				return fmt.Errorf("%w %q: '>' must be the final token", ErrInvalidPattern, p)
			}
			continue
		}
		if err := ValidateToken(tok); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidPattern, p, err)
		}
	}
	return nil
}

// Match reports whether the literal subject s is matched by pattern p.
// Invalid patterns or subjects never match.
func Match(p, s string) bool {
	if ValidatePattern(p) != nil || ValidateSubject(s) != nil {
		return false
	}
	return matchTokens(strings.Split(p, Separator), strings.Split(s, Separator))
}

func matchTokens(pt, st []string) bool {
	for i, tok := range pt {
		if tok == MultiWildcard {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != SingleWildcard && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func join(tokens ...string) string { return strings.Join(tokens, Separator) }

// Deploy is the subject for deploy commands, which carry no agent id yet.
func Deploy() string { return join(root, kindCmds, aggregate, string(agent.CommandDeploy)) }

// Command returns the subject for cmd addressed to id. Deploy ignores id.
func Command(id agent.AgentID, cmd agent.CommandName) (string, error) {
	if !cmd.Valid() {
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalidSubject, cmd)
	}
	if cmd == agent.CommandDeploy {
		return Deploy(), nil
	}
	return join(root, kindCmds, aggregate, id.String(), string(cmd)), nil
}

// Event returns the subject a lifecycle event is published on.
func Event(id agent.AgentID, t agent.EventType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidSubject, t)
	}
	return join(root, kindEvents, aggregate, id.String(), string(t)), nil
}

// ForEvent returns the subject for e.
func ForEvent(e agent.Event) (string, error) { return Event(e.AggregateID(), e.EventType()) }

func messagePrefix(id agent.AgentID, mid agent.MessageID) string {
	return join(root, kindEvents, aggregate, id.String(), message, mid.String())
}

func MessageSent(id agent.AgentID, mid agent.MessageID) string {
	return join(messagePrefix(id, mid), string(agent.MessageEventSent))
}

func MessageChunk(id agent.AgentID, mid agent.MessageID, index int) string {
	return join(messagePrefix(id, mid), chunk, strconv.Itoa(index))
}

func MessageCompleted(id agent.AgentID, mid agent.MessageID) string {
	return join(messagePrefix(id, mid), string(agent.MessageEventCompleted))
}

func MessageFailed(id agent.AgentID, mid agent.MessageID) string {
	return join(messagePrefix(id, mid), string(agent.MessageEventFailed))
}

// ForMessageEvent returns the subject for a message event.
func ForMessageEvent(e agent.MessageEvent) (string, error) {
	switch ev := e.(type) {
	case agent.MessageSent:
		return MessageSent(ev.AgentID, ev.MessageID), nil
	case agent.ResponseChunkReceived:
		if ev.ChunkIndex < 0 {
			return "", fmt.Errorf("%w: negative chunk index %d", ErrInvalidSubject, ev.ChunkIndex)
		}
		return MessageChunk(ev.AgentID, ev.MessageID, ev.ChunkIndex), nil
	case agent.ResponseCompleted:
		return MessageCompleted(ev.AgentID, ev.MessageID), nil
	case agent.ResponseFailed:
		return MessageFailed(ev.AgentID, ev.MessageID), nil
	}
	return "", fmt.Errorf("%w: unsupported message event %T", ErrInvalidSubject, e)
}

// Query names a read-only request answered from the agent directory.
type Query string

const (
	QueryList Query = "list"
	QueryGet  Query = "get"
)

// ListAgents is the subject for listing agents.
func ListAgents() string { return join(root, kindQuery, aggregate, string(QueryList)) }

// GetAgent is the subject for reading one agent.
func GetAgent(id agent.AgentID) string {
	return join(root, kindQuery, aggregate, id.String(), string(QueryGet))
}

// Subscription patterns.

func AllQueries() string { return join(root, kindQuery, MultiWildcard) }

func AllCommands() string { return join(root, kindCmds, MultiWildcard) }

func AllEvents() string { return join(root, kindEvents, MultiWildcard) }

// AllLifecycleEvents matches every persisted lifecycle event of every agent
// and no message events.
func AllLifecycleEvents() string {
	return join(root, kindEvents, aggregate, SingleWildcard, SingleWildcard)
}

// AgentCommands matches every command addressed to one agent.
func AgentCommands(id agent.AgentID) string {
	return join(root, kindCmds, aggregate, id.String(), SingleWildcard)
}

// AgentEvents matches lifecycle and message events of one agent.
func AgentEvents(id agent.AgentID) string {
	return join(root, kindEvents, aggregate, id.String(), MultiWildcard)
}

// AgentMessages matches the message events of every message of one agent.
func AgentMessages(id agent.AgentID) string {
	return join(root, kindEvents, aggregate, id.String(), message, MultiWildcard)
}

// MessageEvents matches all events of one message.
func MessageEvents(id agent.AgentID, mid agent.MessageID) string {
	return join(messagePrefix(id, mid), MultiWildcard)
}

// EventsOfType matches one lifecycle event type across all agents.
func EventsOfType(t agent.EventType) string {
	return join(root, kindEvents, aggregate, SingleWildcard, string(t))
}
