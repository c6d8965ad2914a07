package asyncx

import (
	context "context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store abstracts persistence for task records.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, rec TaskRecord) error
	// Publish atomically replaces state and snapshot. It returns ErrTerminal
	// without writing when the record already reached a terminal state.
	Publish(ctx context.Context, taskID string, state State, snap Snapshot) error
	Get(ctx context.Context, taskID string) (*TaskRecord, error)
	Delete(ctx context.Context, taskID string) error
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// Schema is the DDL for the task table.
const Schema = `
CREATE TABLE IF NOT EXISTS asyncx_tasks (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    queue         TEXT NOT NULL,
    payload_json  TEXT NOT NULL,
    state         TEXT NOT NULL,
    snapshot_json TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_asyncx_tasks_state ON asyncx_tasks(state, updated_at);
`

// SQLStore is a Store backed by SQLite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the task table if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, rec TaskRecord) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.Payload == "" {
		rec.Payload = "{}"
	}
	snap, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ts := formatTime(rec.CreatedAt)
	q := `INSERT INTO asyncx_tasks (id, kind, queue, payload_json, state, snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, rec.ID, string(rec.Kind), rec.Queue, rec.Payload, string(rec.State), string(snap), ts, ts); err != nil {
		return fmt.Errorf("insert task %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) Publish(ctx context.Context, taskID string, state State, snap Snapshot) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	now := time.Now().UTC()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = now
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	// The state guard in the WHERE clause keeps terminal records immutable
	// without a read-modify-write cycle.
	q := `UPDATE asyncx_tasks SET state = ?, snapshot_json = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, q, string(state), string(body), formatTime(now), taskID, string(StateSuccess), string(StateFailure))
	if err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM asyncx_tasks WHERE id = ?`, taskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	return ErrTerminal
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, kind, queue, payload_json, state, snapshot_json, created_at, updated_at FROM asyncx_tasks WHERE id = ?`
	var (
		rec                  TaskRecord
		kind, state, snap    string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, taskID).Scan(&rec.ID, &kind, &rec.Queue, &rec.Payload, &state, &snap, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	rec.Kind = Kind(kind)
	rec.State = State(state)
	if err := json.Unmarshal([]byte(snap), &rec.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", taskID, err)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM asyncx_tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// PurgeTerminal removes terminal records last updated before the cutoff.
func (s *SQLStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	q := `DELETE FROM asyncx_tasks WHERE state IN (?, ?) AND updated_at < ?`
	res, err := s.db.ExecContext(ctx, q, string(StateSuccess), string(StateFailure), formatTime(before.UTC()))
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return res.RowsAffected()
}

// Fixed-width so that lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
