package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jguan/agent-domain/pkg/agent"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens the database at path and creates the event and snapshot
// tables. A single connection is used so appends serialize inside SQLite
// transactions.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", "PRAGMA foreign_keys=ON;"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_events (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		data BLOB NOT NULL,
		occurred_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id TEXT NOT NULL DEFAULT '',
		UNIQUE (agent_id, sequence)
	);
	CREATE TABLE IF NOT EXISTS agent_snapshots (
		agent_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		state BLOB NOT NULL,
		taken_at INTEGER NOT NULL,
		PRIMARY KEY (agent_id, version)
	);
	`
	_, err := db.Exec(query)
	return err
}

// SQLiteEventStore implements EventStore on SQLite.
type SQLiteEventStore struct {
	db   *sql.DB
	opts options
}

func NewSQLiteEventStore(db *sql.DB, opts ...Option) *SQLiteEventStore {
	return &SQLiteEventStore{db: db, opts: buildOptions(opts)}
}

func (s *SQLiteEventStore) Append(ctx context.Context, id agent.AgentID, expected ExpectedVersion, events []agent.Event, meta Metadata) ([]Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM agent_events WHERE agent_id = ?`, id.String(),
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
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

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agent_events (agent_id, sequence, type, data, occurred_at, recorded_at, correlation_id, causation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, env := range sealed {
		_, err := stmt.ExecContext(ctx,
			env.AgentID.String(), env.Sequence, string(env.Type), []byte(env.Data),
			env.OccurredAt.UnixNano(), env.RecordedAt.UnixNano(), env.CorrelationID, env.CausationID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &agent.ConflictError{AgentID: id, Expected: version, Actual: env.Sequence}
			}
			return nil, fmt.Errorf("insert event %d: %w", env.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return sealed, nil
}

func (s *SQLiteEventStore) Load(ctx context.Context, id agent.AgentID, after uint64) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, sequence, type, data, occurred_at, recorded_at, correlation_id, causation_id
		FROM agent_events WHERE agent_id = ? AND sequence > ? ORDER BY sequence
	`, id.String(), after)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEnvelopes(rows)
}

func (s *SQLiteEventStore) Version(ctx context.Context, id agent.AgentID) (uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM agent_events WHERE agent_id = ?`, id.String(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return version, nil
}

func (s *SQLiteEventStore) Scan(ctx context.Context, fn func(Envelope) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, sequence, type, data, occurred_at, recorded_at, correlation_id, causation_id
		FROM agent_events ORDER BY position
	`)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	// Rows are collected first: the store uses one connection, so fn must
	// be free to call back into it.
	envs, err := scanEnvelopes(rows)
	_ = rows.Close()
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := fn(env); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteEventStore) Close() error { return s.db.Close() }

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	var out []Envelope
	for rows.Next() {
		var (
			env                  Envelope
			agentID, eventType   string
			data                 []byte
			occurredAt, recorded int64
		)
		if err := rows.Scan(&agentID, &env.Sequence, &eventType, &data, &occurredAt, &recorded,
			&env.CorrelationID, &env.CausationID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		id, err := agent.ParseAgentID(agentID)
		if err != nil {
			return nil, &agent.CorruptStreamError{Sequence: env.Sequence, Reason: "bad agent id", Cause: err}
		}
		env.AgentID = id
		env.Type = agent.EventType(eventType)
		env.Data = data
		env.OccurredAt = time.Unix(0, occurredAt).UTC()
		env.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLiteSnapshotStore implements SnapshotStore on SQLite. States are stored
// as CBOR blobs.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

func NewSQLiteSnapshotStore(db *sql.DB) *SQLiteSnapshotStore {
	return &SQLiteSnapshotStore{db: db}
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := snap.encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_snapshots (agent_id, version, state, taken_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, version) DO UPDATE SET state = excluded.state, taken_at = excluded.taken_at
	`, snap.AgentID.String(), snap.Version, data, snap.TakenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Latest(ctx context.Context, id agent.AgentID) (Snapshot, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_snapshots WHERE agent_id = ? ORDER BY version DESC LIMIT 1`, id.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query snapshot: %w", err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SQLiteSnapshotStore) DeleteBefore(ctx context.Context, id agent.AgentID, version uint64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_snapshots WHERE agent_id = ? AND version < ?`, id.String(), version)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the event store owns the shared database handle.
func (s *SQLiteSnapshotStore) Close() error { return nil }

var (
	_ EventStore    = (*SQLiteEventStore)(nil)
	_ SnapshotStore = (*SQLiteSnapshotStore)(nil)
)
