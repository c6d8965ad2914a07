// Package convlog keeps the short-term conversation log: one JSON document per
// calendar day holding the ordered turns of that day.
//
// Every access, reads included, runs under one exclusive lock made of an
// in-process semaphore and a flock on <dir>/.lock, so a document is never
// observed half written by another goroutine or another process sharing the
// directory. Waiting for the lock gives up when the caller's context ends.
//
// Consolidation additionally holds a claim on <dir>/.claim for its whole run,
// so at most one consolidation works on the log at a time.
package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

var (
	// ErrCorrupt is returned when a day document cannot be decoded.
	ErrCorrupt = errors.New("convlog: corrupt log document")
	// ErrClaimed is returned by Claim while another consolidation holds the log.
	ErrClaimed = errors.New("convlog: log claimed by another consolidation")
	// ErrConflict is returned by TrimPrefix when the day no longer starts with
	// the turns being removed.
	ErrConflict = errors.New("convlog: log changed since it was read")
)

const (
	dayLayout  = "2006-01-02"
	filePrefix = "history-"
	fileSuffix = ".json"
	lockName   = ".lock"
	claimName  = ".claim"
	lockRetry  = 5 * time.Millisecond
)

type document struct {
	History []Turn `json:"conversation_history"`
}

// Log is the per-day conversation log rooted at a directory.
type Log struct {
	dir string
	loc *time.Location
	now func() time.Time
	sem chan struct{}
}

type Option func(*Log)

// WithLocation sets the time zone used to decide day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(l *Log) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithClock overrides the clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Open prepares dir for use as a log root.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	l := &Log{dir: dir, loc: time.Local, now: time.Now, sem: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Today returns the current day key (YYYY-MM-DD).
func (l *Log) Today() string {
	return l.now().In(l.loc).Format(dayLayout)
}

// Append adds turns to today's document.
func (l *Log) Append(ctx context.Context, turns ...Turn) error {
	for _, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return fmt.Errorf("convlog: invalid role %q", t.Role)
		}
	}
	day := l.Today()
	return l.withLock(ctx, func() error {
		doc, err := l.read(day)
		if err != nil {
			return err
		}
		doc.History = append(doc.History, turns...)
		return l.write(day, doc)
	})
}

// Turns returns a copy of today's turns.
func (l *Log) Turns(ctx context.Context) ([]Turn, error) {
	return l.DayTurns(ctx, l.Today())
}

// DayTurns returns a copy of the turns recorded for day.
func (l *Log) DayTurns(ctx context.Context, day string) ([]Turn, error) {
	var turns []Turn
	err := l.withLock(ctx, func() error {
		doc, err := l.read(day)
		if err != nil {
			return err
		}
		turns = doc.History
		return nil
	})
	return turns, err
}

// Drain reads today's turns and clears the document in one critical section.
func (l *Log) Drain(ctx context.Context) ([]Turn, error) {
	day := l.Today()
	var turns []Turn
	err := l.withLock(ctx, func() error {
		doc, err := l.read(day)
		if err != nil {
			return err
		}
		turns = doc.History
		return l.write(day, document{History: []Turn{}})
	})
	return turns, err
}

// TrimPrefix removes consumed from the start of day. Turns appended after
// consumed was read stay in place. If the day no longer starts with consumed
// nothing is removed and ErrConflict is returned. Emptied past days are
// removed.
func (l *Log) TrimPrefix(ctx context.Context, day string, consumed []Turn) error {
	if len(consumed) == 0 {
		return nil
	}
	return l.withLock(ctx, func() error {
		doc, err := l.read(day)
		if err != nil {
			return err
		}
		if !hasPrefix(doc.History, consumed) {
			return fmt.Errorf("%w: trim %d turns from %s", ErrConflict, len(consumed), day)
		}
		doc.History = append([]Turn{}, doc.History[len(consumed):]...)
		if len(doc.History) == 0 && day != l.Today() {
			if err := os.Remove(l.path(day)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", day, err)
			}
			return nil
		}
		return l.write(day, doc)
	})
}

func hasPrefix(turns, prefix []Turn) bool {
	if len(prefix) > len(turns) {
		return false
	}
	for i, t := range prefix {
		if turns[i] != t {
			return false
		}
	}
	return true
}

// Claim reserves the log for one consolidation run across every process
// sharing the directory. It never waits: a held claim returns ErrClaimed.
// The returned release must be called when the run ends.
func (l *Log) Claim(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, claimName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open claim file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrClaimed
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// Days lists the days that have a document, oldest first.
func (l *Log) Days(ctx context.Context) ([]string, error) {
	var days []string
	err := l.withLock(ctx, func() error {
		entries, err := os.ReadDir(l.dir)
		if err != nil {
			return fmt.Errorf("list log dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
				continue
			}
			day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
			if _, err := time.Parse(dayLayout, day); err != nil {
				continue
			}
			days = append(days, day)
		}
		return nil
	})
	sort.Strings(days)
	return days, err
}

// withLock runs fn holding the exclusive lock. The lock is released on every
// return path, including a panic in fn.
func (l *Log) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	f, err := os.OpenFile(filepath.Join(l.dir, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()
	if err := flock(ctx, f); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// flock takes an exclusive flock on f, polling until it is free or ctx ends.
func flock(ctx context.Context, f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("flock: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

func (l *Log) path(day string) string {
	return filepath.Join(l.dir, filePrefix+day+fileSuffix)
}

// read loads a day document. Missing or empty files are an empty log.
func (l *Log) read(day string) (document, error) {
	data, err := os.ReadFile(l.path(day))
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(data))) == 0) {
		return document{History: []Turn{}}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read %s: %w", day, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, day, err)
	}
	if doc.History == nil {
		doc.History = []Turn{}
	}
	return doc, nil
}

// write replaces the day document through a temp file and rename.
func (l *Log) write(day string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", day, err)
	}
	tmp, err := os.CreateTemp(l.dir, filePrefix+day+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", day, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", day, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", day, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", day, err)
	}
	if err := os.Rename(tmp.Name(), l.path(day)); err != nil {
		return fmt.Errorf("rename %s: %w", day, err)
	}
	return nil
}
