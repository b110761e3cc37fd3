package store

import (
	"context"
	"slices"
	"sync"

	"github.com/jguan/agent-domain/pkg/agent"
)

// MemoryEventStore keeps event streams in process memory. It is safe for
// concurrent use; appends to one agent are serialized by a single lock.
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[agent.AgentID][]Envelope
	order   []streamPos
	opts    options
}

type streamPos struct {
	id  agent.AgentID
	idx int
}

func NewMemoryEventStore(opts ...Option) *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[agent.AgentID][]Envelope),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryEventStore) Append(ctx context.Context, id agent.AgentID, expected ExpectedVersion, events []agent.Event, meta Metadata) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[id]
	version := uint64(len(stream))
	if err := expected.check(id, version); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	sealed, err := seal(id, version, events, meta, s.opts.now())
	if err != nil {
		return nil, err
	}
	for i := range sealed {
		s.order = append(s.order, streamPos{id: id, idx: len(stream) + i})
	}
	s.streams[id] = append(stream, sealed...)
	return slices.Clone(sealed), nil
}

func (s *MemoryEventStore) Load(ctx context.Context, id agent.AgentID, after uint64) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[id]
	if after >= uint64(len(stream)) {
		return nil, nil
	}
	return slices.Clone(stream[after:]), nil
}

func (s *MemoryEventStore) Version(ctx context.Context, id agent.AgentID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[id])), nil
}

func (s *MemoryEventStore) Scan(ctx context.Context, fn func(Envelope) error) error {
	s.mu.RLock()
	all := make([]Envelope, 0, len(s.order))
	for _, pos := range s.order {
		all = append(all, s.streams[pos.id][pos.idx])
	}
	s.mu.RUnlock()

	for _, env := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryEventStore) Close() error { return nil }

// MemorySnapshotStore keeps encoded snapshots in process memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[agent.AgentID][]encodedSnapshot
}

type encodedSnapshot struct {
	version uint64
	data    []byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[agent.AgentID][]encodedSnapshot)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := snap.encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := slices.DeleteFunc(s.snaps[snap.AgentID], func(e encodedSnapshot) bool { return e.version == snap.Version })
	list = append(list, encodedSnapshot{version: snap.Version, data: data})
	slices.SortFunc(list, func(a, b encodedSnapshot) int { return compareUint(a.version, b.version) })
	s.snaps[snap.AgentID] = list
	return nil
}

func (s *MemorySnapshotStore) Latest(ctx context.Context, id agent.AgentID) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	s.mu.RLock()
	list := s.snaps[id]
	var latest encodedSnapshot
	found := len(list) > 0
	if found {
		latest = list[len(list)-1]
	}
	s.mu.RUnlock()

	if !found {
		return Snapshot{}, false, nil
	}
	snap, err := decodeSnapshot(latest.data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *MemorySnapshotStore) DeleteBefore(ctx context.Context, id agent.AgentID, version uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snaps[id]
	before := len(list)
	list = slices.DeleteFunc(list, func(e encodedSnapshot) bool { return e.version < version })
	s.snaps[id] = list
	return before - len(list), nil
}

func (s *MemorySnapshotStore) Close() error { return nil }

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

var (
	_ EventStore    = (*MemoryEventStore)(nil)
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
)
