package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/projection"
	"github.com/jguan/agent-domain/pkg/subject"
)

// ListAgents is the payload of a list query. Zero fields match everything.
type ListAgents struct {
	PersonID agent.PersonID `json:"person_id"`
	Status   agent.Status   `json:"status,omitempty"`
}

// AgentReader is the read side queries are answered from.
type AgentReader interface {
	Get(id agent.AgentID) (agent.State, bool)
	List(f projection.Filter) []agent.State
}

// ServeQueries answers list and get queries from dir until the returned
// subscription is dropped.
func ServeQueries(bus eventbus.Bus, dir AgentReader, l *slog.Logger) (eventbus.Subscription, error) {
	if l == nil {
		l = slog.Default()
	}
	l = l.With("component", "queries")
	return bus.Subscribe(subject.AllQueries(), func(ctx context.Context, msg *eventbus.Message) {
		r := answerQuery(dir, msg)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(r)
		if err != nil {
			l.Error("encode query reply", "error", err)
			return
		}
		if err := msg.Respond(context.WithoutCancel(ctx), data); err != nil {
			logger.From(ctx, l).Warn("query reply failed", "subject", msg.Subject, "error", err)
		}
	})
}

func answerQuery(dir AgentReader, msg *eventbus.Message) Reply {
	p, err := subject.Parse(msg.Subject)
	if err == nil && p.Kind != subject.KindQuery {
		err = fmt.Errorf("%w: %s is not a query", subject.ErrInvalidSubject, msg.Subject)
	}
	if err != nil {
		return errorReply(fmt.Errorf("%w: %w", agent.ErrInvalidCommand, err))
	}

	switch p.Query {
	case subject.QueryGet:
		s, ok := dir.Get(p.AgentID)
		if !ok {
			return errorReply(fmt.Errorf("%w: %s", agent.ErrAgentNotFound, p.AgentID))
		}
		return Reply{Status: StatusOK, AgentID: s.ID.String(), Version: s.Version, Agents: []agent.State{s}}
	default:
		var q ListAgents
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &q); err != nil {
				return errorReply(fmt.Errorf("%w: list query: %w", agent.ErrInvalidCommand, err))
			}
		}
		if q.Status != "" && !q.Status.Valid() {
			return errorReply(fmt.Errorf("%w: unknown status %q", agent.ErrInvalidCommand, q.Status))
		}
		agents := dir.List(projection.Filter{PersonID: q.PersonID, Status: q.Status})
		return Reply{Status: StatusOK, Agents: agents}
	}
}
