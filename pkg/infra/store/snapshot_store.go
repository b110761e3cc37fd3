package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
)

// Snapshot is the full state of an agent at Version.
type Snapshot struct {
	AgentID agent.AgentID `json:"agent_id"`
	Version uint64        `json:"version"`
	State   agent.State   `json:"state"`
	TakenAt time.Time     `json:"taken_at"`
}

// NewSnapshot captures a.
func NewSnapshot(a agent.Agent, now time.Time) Snapshot {
	return Snapshot{
		AgentID: a.ID(),
		Version: a.Version(),
		State:   a.State(),
		TakenAt: agent.Timestamp(now),
	}
}

// Restore rebuilds the agent held by the snapshot.
func (s Snapshot) Restore() (agent.Agent, error) {
	if s.State.Version != s.Version || s.State.ID != s.AgentID {
		return agent.Agent{}, fmt.Errorf("%w: snapshot header does not match state", agent.ErrCorruptStream)
	}
	a, err := agent.FromState(s.State)
	if err != nil {
		return agent.Agent{}, &agent.CorruptStreamError{AgentID: s.AgentID, Sequence: s.Version, Reason: "invalid snapshot", Cause: err}
	}
	return a, nil
}

func (s Snapshot) encode() ([]byte, error) {
	data, err := marshalCBOR(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := unmarshalCBOR(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// SnapshotStore keeps point-in-time agent states so loads can skip
// replaying old events. Snapshots never change behavior, only cost.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	// Latest returns the snapshot with the highest version, if any.
	Latest(ctx context.Context, id agent.AgentID) (Snapshot, bool, error)
	// DeleteBefore removes snapshots older than version and reports how
	// many were removed.
	DeleteBefore(ctx context.Context, id agent.AgentID, version uint64) (int, error)
	Close() error
}
