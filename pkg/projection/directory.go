// Package projection builds read models from published lifecycle events.
package projection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/store"
	"github.com/jguan/agent-domain/pkg/subject"
)

// ErrSequenceGap is returned by Apply for an envelope that skips past the
// agent's next sequence. It also matches agent.ErrCorruptStream.
var ErrSequenceGap = errors.New("sequence gap")

// Filter narrows List. Zero fields match everything.
type Filter struct {
	PersonID agent.PersonID
	Status   agent.Status
}

func (f Filter) match(s agent.State) bool {
	if !f.PersonID.IsZero() && s.PersonID != f.PersonID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// Directory is a queryable view of every known agent. It is only ever
// changed by folding lifecycle events, so it may lag the event store.
type Directory struct {
	mu     sync.RWMutex
	agents map[agent.AgentID]agent.Agent
	events store.EventStore
	logger *slog.Logger
}

type Option func(*Directory)

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithEventStore lets the directory reload an agent from its stream when
// the published events skip a sequence.
func WithEventStore(events store.EventStore) Option {
	return func(d *Directory) { d.events = events }
}

func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		agents: make(map[agent.AgentID]agent.Agent),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "directory")
	return d
}

// Apply folds one envelope into the directory. Envelopes at or below the
// agent's current version are ignored, so redelivery is harmless. An
// envelope that skips ahead is rejected with ErrSequenceGap.
func (d *Directory) Apply(env store.Envelope) error {
	ev, err := env.Event()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.agents[env.AgentID]
	seq := env.Sequence
	if seq == 0 {
		seq = current.Version() + 1
	}
	switch {
	case seq <= current.Version():
		return nil
	case seq > current.Version()+1:
		return fmt.Errorf("%w: %w: %s expected sequence %d, got %d", agent.ErrCorruptStream, ErrSequenceGap, env.AgentID, current.Version()+1, seq)
	}

	next, err := current.Apply(ev)
	if err != nil {
		return err
	}
	d.agents[env.AgentID] = next
	return nil
}

// Subscribe keeps the directory current from the lifecycle events
// published on bus. With an event store configured, a gap in the published
// sequence is repaired by reloading the agent's stream.
func (d *Directory) Subscribe(bus eventbus.Bus) (eventbus.Subscription, error) {
	return bus.Subscribe(subject.AllLifecycleEvents(), func(ctx context.Context, msg *eventbus.Message) {
		env, err := envelopeFrom(msg)
		if err == nil {
			err = d.Apply(env)
		}
		if errors.Is(err, ErrSequenceGap) && d.events != nil {
			if rerr := d.Reload(ctx, env.AgentID); rerr != nil {
				d.logger.Warn("reload after sequence gap failed", "agent_id", env.AgentID, "error", rerr)
			}
			return
		}
		if err != nil {
			d.logger.Warn("lifecycle event not applied", "subject", msg.Subject, "error", err)
		}
	})
}

// Reload replaces one agent's view with a fold of its stored stream. A view
// that is already newer than the stream is kept.
func (d *Directory) Reload(ctx context.Context, id agent.AgentID) error {
	if d.events == nil {
		return errors.New("reload directory: no event store")
	}
	envs, err := d.events.Load(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	var a agent.Agent
	for _, env := range envs {
		ev, err := env.Event()
		if err != nil {
			return fmt.Errorf("reload %s: %w", id, err)
		}
		if a, err = a.Apply(ev); err != nil {
			return fmt.Errorf("reload %s: %w", id, err)
		}
	}
	if a.Version() == 0 {
		return fmt.Errorf("reload %s: %w", id, agent.ErrAgentNotFound)
	}

	d.mu.Lock()
	if a.Version() > d.agents[id].Version() {
		d.agents[id] = a
	}
	d.mu.Unlock()
	d.logger.Info("agent reloaded", "agent_id", id, "version", a.Version())
	return nil
}

func envelopeFrom(msg *eventbus.Message) (store.Envelope, error) {
	p, err := subject.Parse(msg.Subject)
	if err != nil {
		return store.Envelope{}, err
	}
	if p.Kind != subject.KindLifecycleEvent {
		return store.Envelope{}, fmt.Errorf("%w: %s is not a lifecycle event", subject.ErrInvalidSubject, msg.Subject)
	}
	env := store.Envelope{
		AgentID:       p.AgentID,
		Type:          p.Event,
		Data:          msg.Data,
		CorrelationID: msg.GetHeader(eventbus.HeaderCorrelationID),
		CausationID:   msg.GetHeader(eventbus.HeaderCausationID),
	}
	if s := msg.GetHeader(eventbus.HeaderSequence); s != "" {
		env.Sequence, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return store.Envelope{}, fmt.Errorf("bad sequence header %q: %w", s, err)
		}
	}
	return env, nil
}

// Rebuild replaces the directory's contents with a fold of every event in
// events.
func (d *Directory) Rebuild(ctx context.Context, events store.EventStore) error {
	fresh := NewDirectory(WithLogger(d.logger), WithEventStore(d.events))
	if err := events.Scan(ctx, fresh.Apply); err != nil {
		return fmt.Errorf("rebuild directory: %w", err)
	}

	d.mu.Lock()
	d.agents = fresh.agents
	d.mu.Unlock()
	d.logger.Info("directory rebuilt", "agents", len(fresh.agents))
	return nil
}

// Get returns the agent's current view.
func (d *Directory) Get(id agent.AgentID) (agent.State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return agent.State{}, false
	}
	return a.State(), true
}

// List returns the matching agents ordered by deployment time.
func (d *Directory) List(f Filter) []agent.State {
	d.mu.RLock()
	out := make([]agent.State, 0, len(d.agents))
	for _, a := range d.agents {
		if s := a.State(); f.match(s) {
			out = append(out, s)
		}
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(x, y agent.State) int {
		if c := x.DeployedAt.Compare(y.DeployedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID.String(), y.ID.String())
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}
