// Package worker implements the task handlers executed by the asyncx
// processor: plain chat, streamed chat and notes consolidation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"github.com/mohans/asyncchat/agent"
	"github.com/mohans/asyncchat/asyncx"
	"github.com/mohans/asyncchat/convlog"
	"github.com/mohans/asyncchat/notes"
)

// Replier drafts answers. ReplyStream must call emit once per delta, in order.
type Replier interface {
	Reply(ctx context.Context, message string, history []convlog.Turn) (string, error)
	ReplyStream(ctx context.Context, message string, history []convlog.Turn, emit func(delta string) error) error
}

// Extractor runs one extraction pass over a transcript.
type Extractor interface {
	Extract(ctx context.Context, kind notes.Type, transcript string) (string, error)
}

// ChatPayload is the input of chat and chat_stream tasks.
type ChatPayload struct {
	Message string         `json:"message"`
	History []convlog.Turn `json:"history"`
}

type Config struct {
	// PublishRate caps streaming snapshot writes per second per task.
	// Zero or negative publishes every delta.
	PublishRate float64
	Logger      *slog.Logger
}

// Worker executes tasks and publishes their progress.
type Worker struct {
	store     asyncx.Store
	log       *convlog.Log
	notes     *notes.Store
	replier   Replier
	extractor Extractor
	rate      rate.Limit
	logger    *slog.Logger
}

func New(store asyncx.Store, log *convlog.Log, notesStore *notes.Store, replier Replier, extractor Extractor, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	return &Worker{
		store:     store,
		log:       log,
		notes:     notesStore,
		replier:   replier,
		extractor: extractor,
		rate:      limit,
		logger:    logger,
	}
}

// Register binds the handlers to their task types.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(asyncx.KindChat.TaskType(), w.handleChat)
	mux.HandleFunc(asyncx.KindChatStream.TaskType(), w.handleChatStream)
	mux.HandleFunc(asyncx.KindConsolidate.TaskType(), w.handleConsolidate)
}

func (w *Worker) handleChat(ctx context.Context, t *asynq.Task) error {
	id, p, err := chatTask(ctx, t)
	if err != nil {
		return err
	}
	return w.RunChat(ctx, id, p)
}

func (w *Worker) handleChatStream(ctx context.Context, t *asynq.Task) error {
	id, p, err := chatTask(ctx, t)
	if err != nil {
		return err
	}
	return w.RunChatStream(ctx, id, p)
}

func (w *Worker) handleConsolidate(ctx context.Context, t *asynq.Task) error {
	id, ok := asynq.GetTaskID(ctx)
	if !ok {
		return errors.New("missing task id")
	}
	return w.RunConsolidate(ctx, id)
}

func chatTask(ctx context.Context, t *asynq.Task) (string, ChatPayload, error) {
	id, ok := asynq.GetTaskID(ctx)
	if !ok {
		return "", ChatPayload{}, errors.New("missing task id")
	}
	var p ChatPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return id, p, fmt.Errorf("decode payload: %w", err)
	}
	return id, p, nil
}

// RunChat answers without intermediate snapshots: PENDING -> SUCCESS|FAILURE.
func (w *Worker) RunChat(ctx context.Context, id string, p ChatPayload) error {
	logger := w.logger.With("task_id", id, "kind", asyncx.KindChat)
	if strings.TrimSpace(p.Message) == "" {
		return w.fail(ctx, id, asyncx.Snapshot{}, errors.New("empty message"))
	}

	answer, err := w.replier.Reply(ctx, p.Message, p.History)
	if err != nil {
		return w.fail(ctx, id, asyncx.Snapshot{}, err)
	}
	if err := w.recordTurns(ctx, p.Message, answer); err != nil {
		return w.fail(ctx, id, asyncx.Snapshot{Text: answer}, err)
	}
	if err := w.store.Publish(ctx, id, asyncx.StateSuccess, asyncx.Snapshot{Text: answer, Answer: answer}); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	logger.Info("chat answered", "answer_len", len(answer))
	return nil
}

// RunChatStream publishes a STREAMING snapshot that grows with every delta,
// then the final SUCCESS snapshot.
func (w *Worker) RunChatStream(ctx context.Context, id string, p ChatPayload) error {
	logger := w.logger.With("task_id", id, "kind", asyncx.KindChatStream)
	if strings.TrimSpace(p.Message) == "" {
		return w.fail(ctx, id, asyncx.Snapshot{}, errors.New("empty message"))
	}

	var (
		text    strings.Builder
		chunks  []string
		limiter = rate.NewLimiter(w.rate, 1)
	)
	snapshot := func() asyncx.Snapshot {
		return asyncx.Snapshot{Text: text.String(), Chunks: append([]string(nil), chunks...)}
	}

	if err := w.store.Publish(ctx, id, asyncx.StateStreaming, snapshot()); err != nil {
		return w.fail(ctx, id, snapshot(), fmt.Errorf("publish start: %w", err))
	}

	err := w.replier.ReplyStream(ctx, p.Message, p.History, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if delta == "" {
			return nil
		}
		text.WriteString(delta)
		chunks = append(chunks, delta)
		if !limiter.Allow() {
			return nil
		}
		if err := w.store.Publish(ctx, id, asyncx.StateStreaming, snapshot()); err != nil {
			return fmt.Errorf("publish delta: %w", err)
		}
		return nil
	})
	if err != nil {
		return w.fail(ctx, id, snapshot(), err)
	}

	answer := text.String()
	if err := w.recordTurns(ctx, p.Message, answer); err != nil {
		return w.fail(ctx, id, snapshot(), err)
	}
	final := snapshot()
	final.Answer = answer
	if err := w.store.Publish(ctx, id, asyncx.StateSuccess, final); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	logger.Info("stream finished", "chunks", len(chunks), "answer_len", len(answer))
	return nil
}

// RunConsolidate turns every logged day into three notes entries. A day is
// trimmed from the log only after all three extraction passes and the notes
// insert succeeded, so a failure leaves it in place for the next run.
//
// The run holds the log's consolidation claim throughout. A run that finds
// the claim taken sees an empty log and succeeds without doing anything.
func (w *Worker) RunConsolidate(ctx context.Context, id string) error {
	logger := w.logger.With("task_id", id, "kind", asyncx.KindConsolidate)

	release, err := w.log.Claim(ctx)
	if errors.Is(err, convlog.ErrClaimed) {
		logger.Info("another consolidation holds the log")
		return w.publishConsolidated(ctx, id, 0, 0)
	}
	if err != nil {
		return w.fail(ctx, id, asyncx.Snapshot{}, err)
	}
	defer release()

	days, err := w.log.Days(ctx)
	if err != nil {
		return w.fail(ctx, id, asyncx.Snapshot{}, err)
	}

	var consolidated, added int
	for _, day := range days {
		turns, err := w.log.DayTurns(ctx, day)
		if err != nil {
			return w.fail(ctx, id, asyncx.Snapshot{}, err)
		}
		if len(turns) == 0 {
			continue
		}

		transcript := agent.Transcript(turns)
		entries := make([]notes.Entry, 0, len(notes.Types))
		for _, kind := range notes.Types {
			content, err := w.extractor.Extract(ctx, kind, transcript)
			if err != nil {
				return w.fail(ctx, id, asyncx.Snapshot{}, fmt.Errorf("day %s: %w", day, err))
			}
			entries = append(entries, notes.Entry{Type: kind, Content: content, Date: day})
		}

		stored, err := w.notes.Append(ctx, entries...)
		if err != nil {
			return w.fail(ctx, id, asyncx.Snapshot{}, fmt.Errorf("day %s: %w", day, err))
		}
		if err := w.log.TrimPrefix(ctx, day, turns); err != nil {
			// The notes are already stored; the next run will extract this
			// day again.
			logger.Error("failed to trim consolidated turns", "day", day, "error", err)
			return w.fail(ctx, id, asyncx.Snapshot{}, fmt.Errorf("day %s: %w", day, err))
		}
		consolidated += len(turns)
		added += len(stored)
		logger.Info("day consolidated", "day", day, "turns", len(turns), "notes", len(stored))
	}

	return w.publishConsolidated(ctx, id, consolidated, added)
}

func (w *Worker) publishConsolidated(ctx context.Context, id string, turns, added int) error {
	msg := "no conversation history to consolidate"
	if turns > 0 {
		msg = fmt.Sprintf("consolidated %d turns into %d notes", turns, added)
	}
	if err := w.store.Publish(ctx, id, asyncx.StateSuccess, asyncx.Snapshot{Message: msg}); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (w *Worker) recordTurns(ctx context.Context, message, answer string) error {
	err := w.log.Append(ctx,
		convlog.Turn{Role: convlog.RoleUser, Content: message},
		convlog.Turn{Role: convlog.RoleAssistant, Content: answer},
	)
	if err != nil {
		return fmt.Errorf("record conversation: %w", err)
	}
	return nil
}

// fail publishes FAILURE with the error detail and returns the error. The
// publish uses a detached context so an expired task deadline still lands.
func (w *Worker) fail(ctx context.Context, id string, snap asyncx.Snapshot, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, asyncx.ErrTaskTimeout) {
		err = fmt.Errorf("%w: %w", asyncx.ErrTaskTimeout, err)
	}
	snap.Error = err.Error()
	snap.TimedOut = errors.Is(err, asyncx.ErrTaskTimeout)
	snap.UpdatedAt = time.Now().UTC()
	pubCtx := context.WithoutCancel(ctx)
	if pubErr := w.store.Publish(pubCtx, id, asyncx.StateFailure, snap); pubErr != nil && !errors.Is(pubErr, asyncx.ErrTerminal) {
		w.logger.Warn("failed to publish failure", "task_id", id, "error", pubErr)
	}
	return err
}
