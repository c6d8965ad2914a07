// Package notes is the long-term memory: an append-only list of entries
// distilled from the daily conversation log.
package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type classifies a notes entry by the extraction pass that produced it.
type Type string

const (
	TypeActivity Type = "activity"
	TypeEvent    Type = "event"
	TypeProfile  Type = "profile"
)

// Types lists the extraction passes in the order they run.
var Types = []Type{TypeActivity, TypeEvent, TypeProfile}

func (t Type) Valid() bool {
	return t == TypeActivity || t == TypeEvent || t == TypeProfile
}

// Entry is a single note. ID is assigned by the store and only grows.
type Entry struct {
	ID        int64     `json:"id"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	Mood      string    `json:"mood,omitempty"`
	Date      string    `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

// Query filters Search. Zero fields do not filter.
type Query struct {
	Keyword string
	Type    Type
	Tags    []string
	Date    string
	Limit   int
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    type       TEXT NOT NULL,
    content    TEXT NOT NULL,
    tags       TEXT NOT NULL DEFAULT '[]',
    mood       TEXT NOT NULL DEFAULT '',
    date       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_date ON notes(date DESC);
CREATE INDEX IF NOT EXISTS idx_notes_type ON notes(type);
`

// Store persists notes in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate notes: %w", err)
	}
	return nil
}

// Append inserts entries in one transaction: either all of them are stored
// or none. The stored entries are returned with their ids.
func (s *Store) Append(ctx context.Context, entries ...Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("notes: invalid type %q", e.Type)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Tags == nil {
			e.Tags = []string{}
		}
		if e.Date == "" {
			e.Date = now.Format("2006-01-02")
		}
		e.CreatedAt = now
		tags, err := json.Marshal(e.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO notes (type, content, tags, mood, date, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			string(e.Type), e.Content, string(tags), e.Mood, e.Date, now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, fmt.Errorf("insert note: %w", err)
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert note: %w", err)
		}
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return n, nil
}

// Search returns matching entries, newest date first.
func (s *Store) Search(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Date != "" {
		where = append(where, "date = ?")
		args = append(args, q.Date)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Keyword != "" {
		where = append(where, "LOWER(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(q.Keyword)+"%")
	}
	if len(q.Tags) > 0 {
		var or []string
		for _, tag := range q.Tags {
			or = append(or, "EXISTS (SELECT 1 FROM json_each(notes.tags) WHERE json_each.value = ?)")
			args = append(args, tag)
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}

	query := `SELECT id, type, content, tags, mood, date, created_at FROM notes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			typ, tags, created string
		)
		if err := rows.Scan(&e.ID, &typ, &e.Content, &tags, &e.Mood, &e.Date, &created); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		e.Type = Type(typ)
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for note %d: %w", e.ID, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	var (
		e                  Entry
		typ, tags, created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, content, tags, mood, date, created_at FROM notes WHERE id = ?`, id).
		Scan(&e.ID, &typ, &e.Content, &tags, &e.Mood, &e.Date, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get note %d: %w", id, err)
	}
	e.Type = Type(typ)
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for note %d: %w", id, err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &e, nil
}
