package subject

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jguan/agent-domain/pkg/agent"
)

// Kind classifies a parsed subject.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindLifecycleEvent
	KindMessageEvent
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindLifecycleEvent:
		return "lifecycle_event"
	case KindMessageEvent:
		return "message_event"
	case KindQuery:
		return "query"
	}
	return "unknown"
}

// Parsed is the decomposition of a literal subject.
type Parsed struct {
	Kind      Kind
	AgentID   agent.AgentID
	Command   agent.CommandName
	Event     agent.EventType
	MessageID agent.MessageID
	Message   agent.MessageEventKind
	Query     Query
	// ChunkIndex is only meaningful for chunk message events.
	ChunkIndex int
}

// Parse decomposes a subject built by this package.
func Parse(s string) (Parsed, error) {
	if err := ValidateSubject(s); err != nil {
		return Parsed{}, err
	}
	toks := strings.Split(s, Separator)
	if len(toks) < 4 || toks[0] != root || toks[2] != aggregate {
		return Parsed{}, fmt.Errorf("%w: %q is not an agent subject", ErrInvalidSubject, s)
	}
	switch toks[1] {
	case kindCmds:
		return parseCommand(s, toks[3:])
	case kindEvents:
		return parseEvent(s, toks[3:])
	case kindQuery:
		return parseQuery(s, toks[3:])
	}
	return Parsed{}, fmt.Errorf("%w: %q has unknown kind %q", ErrInvalidSubject, s, toks[1])
}

func parseCommand(s string, rest []string) (Parsed, error) {
	if len(rest) == 1 && rest[0] == string(agent.CommandDeploy) {
		return Parsed{Kind: KindCommand, Command: agent.CommandDeploy}, nil
	}
	if len(rest) != 2 {
		return Parsed{}, fmt.Errorf("%w: malformed command subject %q", ErrInvalidSubject, s)
	}
	id, err := agent.ParseAgentID(rest[0])
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %w", ErrInvalidSubject, err)
	}
	cmd := agent.CommandName(rest[1])
	if !cmd.Valid() || cmd == agent.CommandDeploy {
		return Parsed{}, fmt.Errorf("%w: unknown command %q", ErrInvalidSubject, rest[1])
	}
	return Parsed{Kind: KindCommand, AgentID: id, Command: cmd}, nil
}

func parseQuery(s string, rest []string) (Parsed, error) {
	if len(rest) == 1 && rest[0] == string(QueryList) {
		return Parsed{Kind: KindQuery, Query: QueryList}, nil
	}
	if len(rest) != 2 || rest[1] != string(QueryGet) {
		return Parsed{}, fmt.Errorf("%w: malformed query subject %q", ErrInvalidSubject, s)
	}
	id, err := agent.ParseAgentID(rest[0])
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %w", ErrInvalidSubject, err)
	}
	return Parsed{Kind: KindQuery, AgentID: id, Query: QueryGet}, nil
}

func parseEvent(s string, rest []string) (Parsed, error) {
	if len(rest) < 2 {
		return Parsed{}, fmt.Errorf("%w: malformed event subject %q", ErrInvalidSubject, s)
	}
	id, err := agent.ParseAgentID(rest[0])
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %w", ErrInvalidSubject, err)
	}
	if rest[1] != message {
		et := agent.EventType(rest[1])
		if len(rest) != 2 || !et.Valid() {
			return Parsed{}, fmt.Errorf("%w: unknown event %q", ErrInvalidSubject, s)
		}
		return Parsed{Kind: KindLifecycleEvent, AgentID: id, Event: et}, nil
	}

	if len(rest) < 4 {
		return Parsed{}, fmt.Errorf("%w: malformed message subject %q", ErrInvalidSubject, s)
	}
	mid, err := agent.ParseMessageID(rest[2])
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %w", ErrInvalidSubject, err)
	}
	p := Parsed{Kind: KindMessageEvent, AgentID: id, MessageID: mid}
	tail := rest[3:]
	switch {
	case len(tail) == 2 && tail[0] == chunk:
		n, err := strconv.Atoi(tail[1])
		if err != nil || n < 0 {
			return Parsed{}, fmt.Errorf("%w: bad chunk index %q", ErrInvalidSubject, tail[1])
		}
		p.Message, p.ChunkIndex = agent.MessageEventChunk, n
	case len(tail) == 1 && (tail[0] == string(agent.MessageEventSent) ||
		tail[0] == string(agent.MessageEventCompleted) || tail[0] == string(agent.MessageEventFailed)):
		p.Message = agent.MessageEventKind(tail[0])
	default:
		return Parsed{}, fmt.Errorf("%w: unknown message event in %q", ErrInvalidSubject, s)
	}
	return p, nil
}
