package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/infra/store"
)

// DefaultSnapshotFrequency is the number of events between snapshots.
const DefaultSnapshotFrequency = 100

// AgentRepository loads agents by replaying their event streams on top of
// the latest snapshot and saves new events under optimistic concurrency.
type AgentRepository struct {
	events    store.EventStore
	snapshots store.SnapshotStore
	frequency uint64
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*AgentRepository)

// WithSnapshotFrequency takes a snapshot whenever a save crosses a multiple
// of n events. Zero disables snapshots.
func WithSnapshotFrequency(n uint64) Option {
	return func(r *AgentRepository) { r.frequency = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *AgentRepository) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *AgentRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewAgentRepository builds a repository. snapshots may be nil.
func NewAgentRepository(events store.EventStore, snapshots store.SnapshotStore, opts ...Option) *AgentRepository {
	r := &AgentRepository{
		events:    events,
		snapshots: snapshots,
		frequency: DefaultSnapshotFrequency,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "agent_repository")
	return r
}

// Load reconstructs the agent. It returns agent.ErrAgentNotFound when the
// agent has no events and a CorruptStreamError when its history does not
// replay.
func (r *AgentRepository) Load(ctx context.Context, id agent.AgentID) (agent.Agent, error) {
	base := agent.Agent{}
	if r.snapshots != nil {
		snap, ok, err := r.snapshots.Latest(ctx, id)
		switch {
		case err != nil:
			r.logger.Warn("snapshot unreadable, replaying full stream", "agent_id", id, "error", err)
		case ok:
			restored, err := snap.Restore()
			if err != nil {
				r.logger.Warn("snapshot invalid, replaying full stream", "agent_id", id, "version", snap.Version, "error", err)
				break
			}
			base = restored
		}
	}

	a, err := r.replay(ctx, id, base)
	if err != nil && base.Exists() && errors.Is(err, agent.ErrCorruptStream) {
		// A snapshot ahead of the stream is discarded rather than trusted.
		r.logger.Warn("snapshot inconsistent with stream, replaying full stream", "agent_id", id, "error", err)
		return r.LoadWithoutSnapshot(ctx, id)
	}
	return a, err
}

// LoadWithoutSnapshot reconstructs the agent from its complete history.
func (r *AgentRepository) LoadWithoutSnapshot(ctx context.Context, id agent.AgentID) (agent.Agent, error) {
	return r.replay(ctx, id, agent.Agent{})
}

func (r *AgentRepository) replay(ctx context.Context, id agent.AgentID, base agent.Agent) (agent.Agent, error) {
	envs, err := r.events.Load(ctx, id, base.Version())
	if err != nil {
		return agent.Agent{}, fmt.Errorf("load events for %s: %w", id, err)
	}
	if len(envs) == 0 {
		if base.Exists() {
			version, err := r.events.Version(ctx, id)
			if err != nil {
				return agent.Agent{}, fmt.Errorf("read version for %s: %w", id, err)
			}
			if version < base.Version() {
				return agent.Agent{}, &agent.CorruptStreamError{AgentID: id, Sequence: version, Reason: "snapshot is ahead of the stream"}
			}
			return base, nil
		}
		return agent.Agent{}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, id)
	}

	events := make([]agent.Event, 0, len(envs))
	for i, env := range envs {
		want := base.Version() + uint64(i) + 1
		if env.Sequence != want {
			return agent.Agent{}, &agent.CorruptStreamError{
				AgentID:  id,
				Sequence: env.Sequence,
				Reason:   fmt.Sprintf("expected sequence %d", want),
			}
		}
		e, err := env.Event()
		if err != nil {
			return agent.Agent{}, err
		}
		events = append(events, e)
	}
	return agent.ReplayFrom(base, events)
}

// Save appends events produced against current, which must be the state the
// events were decided on. It returns the resulting agent and the stored
// envelopes. A concurrent writer surfaces as agent.ErrConcurrencyConflict.
func (r *AgentRepository) Save(ctx context.Context, current agent.Agent, events []agent.Event, meta store.Metadata) (agent.Agent, []store.Envelope, error) {
	if len(events) == 0 {
		return current, nil, nil
	}

	next, err := agent.ReplayFrom(current, events)
	if err != nil {
		return current, nil, fmt.Errorf("apply new events: %w", err)
	}

	id := next.ID()
	envs, err := r.events.Append(ctx, id, store.Exactly(current.Version()), events, meta)
	if err != nil {
		return current, nil, err
	}

	r.maybeSnapshot(ctx, current.Version(), next)
	return next, envs, nil
}

// maybeSnapshot stores a snapshot when the save crossed a multiple of the
// snapshot frequency. Failures are logged: snapshots only affect load cost.
func (r *AgentRepository) maybeSnapshot(ctx context.Context, before uint64, a agent.Agent) {
	if r.snapshots == nil || r.frequency == 0 {
		return
	}
	if before/r.frequency == a.Version()/r.frequency {
		return
	}

	snap := store.NewSnapshot(a, r.now())
	if err := r.snapshots.Save(ctx, snap); err != nil {
		r.logger.Warn("snapshot failed", "agent_id", a.ID(), "version", a.Version(), "error", err)
		return
	}
	pruned, err := r.snapshots.DeleteBefore(ctx, a.ID(), a.Version())
	if err != nil {
		r.logger.Warn("snapshot pruning failed", "agent_id", a.ID(), "error", err)
	}
	r.logger.Debug("snapshot taken", "agent_id", a.ID(), "version", a.Version(), "pruned", pruned)
}
