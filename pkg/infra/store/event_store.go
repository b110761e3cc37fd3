// Package store persists agent event streams and snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
)

// Envelope is a lifecycle event as stored: the encoded event plus its
// position in the agent's stream and tracing metadata.
type Envelope struct {
	AgentID       agent.AgentID   `json:"agent_id"`
	Sequence      uint64          `json:"sequence"`
	Type          agent.EventType `json:"type"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

// Event decodes the envelope payload.
func (e Envelope) Event() (agent.Event, error) {
	ev, err := agent.DecodeEvent(e.Type, e.Data)
	if err != nil {
		return nil, &agent.CorruptStreamError{AgentID: e.AgentID, Sequence: e.Sequence, Reason: "undecodable event", Cause: err}
	}
	return ev, nil
}

// Metadata is attached to every envelope of one append.
type Metadata struct {
	CorrelationID string
	CausationID   string
}

// ExpectedVersion is the optimistic concurrency precondition of an append.
// The zero value is Any.
type ExpectedVersion struct {
	version uint64
	set     bool
}

// Any skips the version check.
var Any = ExpectedVersion{}

// Exactly requires the stream to be at version v. Exactly(0) requires the
// stream to be empty.
func Exactly(v uint64) ExpectedVersion { return ExpectedVersion{version: v, set: true} }

// Value returns the expected version and whether one is required.
func (e ExpectedVersion) Value() (uint64, bool) { return e.version, e.set }

func (e ExpectedVersion) String() string {
	if !e.set {
		return "any"
	}
	return fmt.Sprintf("%d", e.version)
}

// check returns a ConflictError when the stored version does not match.
func (e ExpectedVersion) check(id agent.AgentID, actual uint64) error {
	if e.set && e.version != actual {
		return &agent.ConflictError{AgentID: id, Expected: e.version, Actual: actual}
	}
	return nil
}

// EventStore is an append-only log of lifecycle events per agent.
type EventStore interface {
	// Append stores events atomically after the stream's current version.
	// When expected does not match the stored version nothing is written and
	// an error matching agent.ErrConcurrencyConflict is returned.
	Append(ctx context.Context, id agent.AgentID, expected ExpectedVersion, events []agent.Event, meta Metadata) ([]Envelope, error)
	// Load returns the envelopes with sequence greater than after, in order.
	Load(ctx context.Context, id agent.AgentID, after uint64) ([]Envelope, error)
	// Version returns the sequence of the last stored event, or 0.
	Version(ctx context.Context, id agent.AgentID) (uint64, error)
	// Scan calls fn for every stored envelope in append order.
	Scan(ctx context.Context, fn func(Envelope) error) error
	Close() error
}

// seal builds the envelopes for events appended after version.
func seal(id agent.AgentID, version uint64, events []agent.Event, meta Metadata, now time.Time) ([]Envelope, error) {
	out := make([]Envelope, 0, len(events))
	for i, e := range events {
		if e == nil {
			return nil, fmt.Errorf("%w: nil event at index %d", agent.ErrInvalidEvent, i)
		}
		if e.AggregateID() != id {
			return nil, fmt.Errorf("%w: event for %s appended to %s", agent.ErrAggregateMismatch, e.AggregateID(), id)
		}
		data, err := agent.EncodeEvent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, Envelope{
			AgentID:       id,
			Sequence:      version + uint64(i) + 1,
			Type:          e.EventType(),
			Data:          data,
			OccurredAt:    agent.Timestamp(e.OccurredAt()),
			RecordedAt:    agent.Timestamp(now),
			CorrelationID: meta.CorrelationID,
			CausationID:   meta.CausationID,
		})
	}
	return out, nil
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
