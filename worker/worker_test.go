package worker

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohans/asyncchat/asyncx"
	"github.com/mohans/asyncchat/convlog"
	"github.com/mohans/asyncchat/notes"
	"github.com/mohans/asyncchat/sqlitedb"
)

var testDay = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *asyncx.SQLStore
	log   *convlog.Log
	notes *notes.Store
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sqlitedb.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store := asyncx.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate tasks: %v", err)
	}
	ns := notes.NewStore(db)
	if err := ns.Migrate(ctx); err != nil {
		t.Fatalf("migrate notes: %v", err)
	}
	dir := t.TempDir()
	log := openLogAt(t, dir, testDay)
	return &fixture{store: store, log: log, notes: ns, dir: dir}
}

func openLogAt(t *testing.T, dir string, now time.Time) *convlog.Log {
	t.Helper()
	l, err := convlog.Open(dir, convlog.WithLocation(time.UTC), convlog.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func (f *fixture) worker(r Replier, e Extractor) *Worker {
	return New(f.store, f.log, f.notes, r, e, Config{})
}

func (f *fixture) pending(t *testing.T, id string, kind asyncx.Kind) {
	t.Helper()
	rec := asyncx.TaskRecord{ID: id, Kind: kind, Queue: kind.Lane(), State: asyncx.StatePending}
	if err := f.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
}

func (f *fixture) get(t *testing.T, id string) *asyncx.TaskRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func (f *fixture) turns(t *testing.T) []convlog.Turn {
	t.Helper()
	turns, err := f.log.Turns(context.Background())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return turns
}

// fakeReplier returns answer, or streams deltas. When gate is set, the
// stream blocks after the first delta until gate is closed.
type fakeReplier struct {
	answer  string
	err     error
	deltas  []string
	gate    chan struct{}
	waitCtx bool
}

func (f *fakeReplier) Reply(ctx context.Context, message string, history []convlog.Turn) (string, error) {
	if f.waitCtx {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.answer, f.err
}

func (f *fakeReplier) ReplyStream(ctx context.Context, message string, history []convlog.Turn, emit func(string) error) error {
	for i, d := range f.deltas {
		if err := emit(d); err != nil {
			return err
		}
		if i == 0 && f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return f.err
}

// fakeExtractor returns "<kind> of <n> lines" and fails on the failOn-th call.
type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	failOn int
	during func()
}

func (f *fakeExtractor) Extract(ctx context.Context, kind notes.Type, transcript string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	during := f.during
	f.during = nil
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if f.failOn > 0 && n == f.failOn {
		return "", errors.New("extractor unavailable")
	}
	lines := strings.Count(transcript, "\n")
	return string(kind) + " of " + strconv.Itoa(lines) + " lines", nil
}

func TestRunChat_Success(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "t1", asyncx.KindChat)
	w := f.worker(&fakeReplier{answer: "Hi! How are you?"}, nil)

	if err := w.RunChat(context.Background(), "t1", ChatPayload{Message: "hello"}); err != nil {
		t.Fatalf("RunChat: %v", err)
	}

	rec := f.get(t, "t1")
	if rec.State != asyncx.StateSuccess || rec.Snapshot.Answer != "Hi! How are you?" {
		t.Fatalf("unexpected record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	turns := f.turns(t)
	if len(turns) != 2 {
		t.Fatalf("want 2 turns got %d", len(turns))
	}
	if turns[0] != (convlog.Turn{Role: convlog.RoleUser, Content: "hello"}) ||
		turns[1] != (convlog.Turn{Role: convlog.RoleAssistant, Content: "Hi! How are you?"}) {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

func TestRunChat_BackendErrorLeavesLogUnchanged(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "t1", asyncx.KindChat)
	w := f.worker(&fakeReplier{err: errors.New("backend returned 500")}, nil)

	err := w.RunChat(context.Background(), "t1", ChatPayload{Message: "hello"})
	if err == nil {
		t.Fatalf("expected error")
	}

	rec := f.get(t, "t1")
	if rec.State != asyncx.StateFailure || !strings.Contains(rec.Snapshot.Error, "500") {
		t.Fatalf("unexpected record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if rec.Snapshot.TimedOut {
		t.Fatalf("plain failure marked as timeout")
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Fatalf("failed task wrote turns: %+v", turns)
	}
}

func TestRunChat_EmptyMessage(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "t1", asyncx.KindChat)
	w := f.worker(&fakeReplier{answer: "x"}, nil)

	if err := w.RunChat(context.Background(), "t1", ChatPayload{Message: "  "}); err == nil {
		t.Fatalf("expected error for empty message")
	}
	if rec := f.get(t, "t1"); rec.State != asyncx.StateFailure {
		t.Fatalf("want FAILURE got %s", rec.State)
	}
}

func TestRunChat_Timeout(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "t1", asyncx.KindChat)
	w := f.worker(&fakeReplier{waitCtx: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.RunChat(ctx, "t1", ChatPayload{Message: "hello"})
	if !errors.Is(err, asyncx.ErrTaskTimeout) {
		t.Fatalf("want ErrTaskTimeout, got %v", err)
	}

	rec := f.get(t, "t1")
	if rec.State != asyncx.StateFailure || !rec.Snapshot.TimedOut {
		t.Fatalf("want timed out FAILURE, got state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Fatalf("timed out task wrote turns: %+v", turns)
	}
}

func TestRunChatStream_ProgressIsPrefixOrdered(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "s1", asyncx.KindChatStream)
	gate := make(chan struct{})
	w := f.worker(&fakeReplier{deltas: []string{"Hel", "lo"}, gate: gate}, nil)

	done := make(chan error, 1)
	go func() { done <- w.RunChatStream(context.Background(), "s1", ChatPayload{Message: "hi"}) }()

	// The stream holds after the first delta.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := f.get(t, "s1")
		if rec.State == asyncx.StateStreaming && rec.Snapshot.Text == "Hel" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never observed partial text, last state=%s text=%q", rec.State, rec.Snapshot.Text)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Fatalf("turns recorded before the stream finished: %+v", turns)
	}
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("RunChatStream: %v", err)
	}
	rec := f.get(t, "s1")
	if rec.State != asyncx.StateSuccess || rec.Snapshot.Answer != "Hello" || rec.Snapshot.Text != "Hello" {
		t.Fatalf("unexpected final record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if len(rec.Snapshot.Chunks) != 2 {
		t.Fatalf("want 2 chunks got %q", rec.Snapshot.Chunks)
	}
	turns := f.turns(t)
	if len(turns) != 2 || turns[1].Content != "Hello" {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

// recordingStore keeps every published snapshot.
type recordingStore struct {
	asyncx.Store
	mu    sync.Mutex
	texts []string
}

func (r *recordingStore) Publish(ctx context.Context, id string, state asyncx.State, snap asyncx.Snapshot) error {
	r.mu.Lock()
	r.texts = append(r.texts, snap.Text)
	r.mu.Unlock()
	return r.Store.Publish(ctx, id, state, snap)
}

func TestRunChatStream_PublishesGrowingText(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "s1", asyncx.KindChatStream)
	store := &recordingStore{Store: f.store}
	w := New(store, f.log, f.notes, &fakeReplier{deltas: []string{"a", "", "b", "c"}}, nil, Config{})

	if err := w.RunChatStream(context.Background(), "s1", ChatPayload{Message: "hi"}); err != nil {
		t.Fatalf("RunChatStream: %v", err)
	}
	want := []string{"", "a", "ab", "abc", "abc"}
	if strings.Join(store.texts, "|") != strings.Join(want, "|") {
		t.Fatalf("want publishes %q got %q", want, store.texts)
	}
}

func TestRunChatStream_RateLimitedStillFinishes(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "s1", asyncx.KindChatStream)
	store := &recordingStore{Store: f.store}
	deltas := make([]string, 100)
	for i := range deltas {
		deltas[i] = "x"
	}
	w := New(store, f.log, f.notes, &fakeReplier{deltas: deltas}, nil, Config{PublishRate: 1})

	if err := w.RunChatStream(context.Background(), "s1", ChatPayload{Message: "hi"}); err != nil {
		t.Fatalf("RunChatStream: %v", err)
	}
	if len(store.texts) >= len(deltas) {
		t.Fatalf("publishes not throttled: %d", len(store.texts))
	}
	rec := f.get(t, "s1")
	if rec.State != asyncx.StateSuccess || len(rec.Snapshot.Answer) != len(deltas) {
		t.Fatalf("final snapshot incomplete: state=%s len=%d", rec.State, len(rec.Snapshot.Answer))
	}
}

func TestRunChatStream_FailureKeepsPartialText(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "s1", asyncx.KindChatStream)
	w := f.worker(&fakeReplier{deltas: []string{"Hel"}, err: errors.New("connection reset")}, nil)

	if err := w.RunChatStream(context.Background(), "s1", ChatPayload{Message: "hi"}); err == nil {
		t.Fatalf("expected error")
	}
	rec := f.get(t, "s1")
	if rec.State != asyncx.StateFailure || rec.Snapshot.Text != "Hel" || rec.Snapshot.Error == "" {
		t.Fatalf("unexpected record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Fatalf("failed stream wrote turns: %+v", turns)
	}
}

func TestRunChatStream_EmptyStreamSucceeds(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "s1", asyncx.KindChatStream)
	w := f.worker(&fakeReplier{}, nil)

	if err := w.RunChatStream(context.Background(), "s1", ChatPayload{Message: "hi"}); err != nil {
		t.Fatalf("RunChatStream: %v", err)
	}
	rec := f.get(t, "s1")
	if rec.State != asyncx.StateSuccess || rec.Snapshot.Answer != "" || rec.Snapshot.Text != "" {
		t.Fatalf("want SUCCESS with empty answer, got state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if turns := f.turns(t); len(turns) != 2 || turns[1].Content != "" {
		t.Fatalf("want the exchange logged, got %+v", turns)
	}
}

func TestRunConsolidate_EmptyLog(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "c1", asyncx.KindConsolidate)
	ex := &fakeExtractor{}
	w := f.worker(nil, ex)

	if err := w.RunConsolidate(context.Background(), "c1"); err != nil {
		t.Fatalf("RunConsolidate: %v", err)
	}
	rec := f.get(t, "c1")
	if rec.State != asyncx.StateSuccess || rec.Snapshot.Message != "no conversation history to consolidate" {
		t.Fatalf("unexpected record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if ex.calls != 0 {
		t.Fatalf("extractor called %d times on empty log", ex.calls)
	}
	if n, _ := f.notes.Count(context.Background()); n != 0 {
		t.Fatalf("notes written for empty log: %d", n)
	}
}

func TestRunConsolidate_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.log.Append(ctx,
		convlog.Turn{Role: convlog.RoleUser, Content: "I went running"},
		convlog.Turn{Role: convlog.RoleAssistant, Content: "Nice!"},
	)
	f.pending(t, "c1", asyncx.KindConsolidate)
	w := f.worker(nil, &fakeExtractor{})

	if err := w.RunConsolidate(ctx, "c1"); err != nil {
		t.Fatalf("RunConsolidate: %v", err)
	}

	rec := f.get(t, "c1")
	if rec.State != asyncx.StateSuccess || rec.Snapshot.Message != "consolidated 2 turns into 3 notes" {
		t.Fatalf("unexpected record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	entries, err := f.notes.Search(ctx, notes.Query{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want 3 notes got %d", len(entries))
	}
	seen := map[notes.Type]bool{}
	for _, e := range entries {
		seen[e.Type] = true
		if e.Date != "2026-03-14" {
			t.Fatalf("note dated %s", e.Date)
		}
		if !strings.HasSuffix(e.Content, "of 2 lines") {
			t.Fatalf("extraction did not see the transcript: %q", e.Content)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("missing note types: %v", seen)
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Fatalf("log not cleared: %+v", turns)
	}
}

func TestRunConsolidate_ExtractionFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.log.Append(ctx,
		convlog.Turn{Role: convlog.RoleUser, Content: "a"},
		convlog.Turn{Role: convlog.RoleAssistant, Content: "b"},
	)
	f.pending(t, "c1", asyncx.KindConsolidate)
	w := f.worker(nil, &fakeExtractor{failOn: 2})

	if err := w.RunConsolidate(ctx, "c1"); err == nil {
		t.Fatalf("expected error")
	}
	rec := f.get(t, "c1")
	if rec.State != asyncx.StateFailure || !strings.Contains(rec.Snapshot.Error, "extractor unavailable") {
		t.Fatalf("unexpected record: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if n, _ := f.notes.Count(ctx); n != 0 {
		t.Fatalf("partial notes stored: %d", n)
	}
	if turns := f.turns(t); len(turns) != 2 {
		t.Fatalf("log changed after failed consolidation: %+v", turns)
	}
}

func TestRunConsolidate_KeepsTurnsAppendedDuringRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.log.Append(ctx, convlog.Turn{Role: convlog.RoleUser, Content: "early"})
	f.pending(t, "c1", asyncx.KindConsolidate)

	ex := &fakeExtractor{during: func() {
		_ = f.log.Append(ctx, convlog.Turn{Role: convlog.RoleUser, Content: "late"})
	}}
	w := f.worker(nil, ex)
	if err := w.RunConsolidate(ctx, "c1"); err != nil {
		t.Fatalf("RunConsolidate: %v", err)
	}

	turns := f.turns(t)
	if len(turns) != 1 || turns[0].Content != "late" {
		t.Fatalf("want only the late turn left, got %+v", turns)
	}
}

// Two workers on separate Log values over one directory behave like a serve
// and a worker process sharing the log.
func TestRunConsolidate_OverlappingRunsAcrossInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.log.Append(ctx,
		convlog.Turn{Role: convlog.RoleUser, Content: "a"},
		convlog.Turn{Role: convlog.RoleAssistant, Content: "b"},
	)
	f.pending(t, "c1", asyncx.KindConsolidate)
	f.pending(t, "c2", asyncx.KindConsolidate)
	f.pending(t, "c3", asyncx.KindConsolidate)

	other := openLogAt(t, f.dir, testDay)
	second := New(f.store, other, f.notes, nil, &fakeExtractor{}, Config{})

	var secondErr error
	ex := &fakeExtractor{during: func() {
		secondErr = second.RunConsolidate(ctx, "c2")
		_ = other.Append(ctx,
			convlog.Turn{Role: convlog.RoleUser, Content: "late1"},
			convlog.Turn{Role: convlog.RoleAssistant, Content: "late2"},
		)
	}}
	if err := f.worker(nil, ex).RunConsolidate(ctx, "c1"); err != nil {
		t.Fatalf("first RunConsolidate: %v", err)
	}
	if secondErr != nil {
		t.Fatalf("overlapping RunConsolidate: %v", secondErr)
	}

	if rec := f.get(t, "c2"); rec.State != asyncx.StateSuccess || rec.Snapshot.Message != "no conversation history to consolidate" {
		t.Fatalf("overlapping run should see an empty log: state=%s snapshot=%+v", rec.State, rec.Snapshot)
	}
	if rec := f.get(t, "c1"); rec.Snapshot.Message != "consolidated 2 turns into 3 notes" {
		t.Fatalf("unexpected first result: %+v", rec.Snapshot)
	}
	if n, _ := f.notes.Count(ctx); n != 3 {
		t.Fatalf("want 3 notes got %d", n)
	}
	turns := f.turns(t)
	if len(turns) != 2 || turns[0].Content != "late1" || turns[1].Content != "late2" {
		t.Fatalf("turns appended during the run were lost: %+v", turns)
	}

	// The claim is released, so the next run picks up the late turns.
	if err := second.RunConsolidate(ctx, "c3"); err != nil {
		t.Fatalf("next RunConsolidate: %v", err)
	}
	if rec := f.get(t, "c3"); rec.Snapshot.Message != "consolidated 2 turns into 3 notes" {
		t.Fatalf("unexpected next result: %+v", rec.Snapshot)
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Fatalf("log not cleared: %+v", turns)
	}
}

func TestRunConsolidate_MultipleDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	yesterday := openLogAt(t, f.dir, testDay.Add(-24*time.Hour))
	_ = yesterday.Append(ctx, convlog.Turn{Role: convlog.RoleUser, Content: "old"})
	_ = f.log.Append(ctx, convlog.Turn{Role: convlog.RoleUser, Content: "new"})
	f.pending(t, "c1", asyncx.KindConsolidate)

	w := f.worker(nil, &fakeExtractor{})
	if err := w.RunConsolidate(ctx, "c1"); err != nil {
		t.Fatalf("RunConsolidate: %v", err)
	}

	entries, _ := f.notes.Search(ctx, notes.Query{})
	if len(entries) != 6 {
		t.Fatalf("want 6 notes got %d", len(entries))
	}
	if entries[0].Date != "2026-03-14" || entries[5].Date != "2026-03-13" {
		t.Fatalf("notes not dated by their day: first=%s last=%s", entries[0].Date, entries[5].Date)
	}
	days, _ := f.log.Days(ctx)
	if len(days) != 1 || days[0] != "2026-03-14" {
		t.Fatalf("past day not removed: %v", days)
	}
}

func TestPublishAfterTerminalIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "t1", asyncx.KindChat)
	if err := f.store.Publish(context.Background(), "t1", asyncx.StateSuccess, asyncx.Snapshot{Answer: "first"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	w := f.worker(&fakeReplier{err: errors.New("late failure")}, nil)

	_ = w.RunChat(context.Background(), "t1", ChatPayload{Message: "hi"})
	rec := f.get(t, "t1")
	if rec.State != asyncx.StateSuccess || rec.Snapshot.Answer != "first" {
		t.Fatalf("terminal record overwritten: %+v", rec)
	}
}
