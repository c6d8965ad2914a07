package asyncx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
)

// Client wraps asynq.Client and a Store: every submitted task gets a
// PENDING record before it becomes visible to workers.
type Client struct {
	client  *asynq.Client
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

type ClientOptions struct {
	// TaskTimeout caps the wall-clock duration of a single task.
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

func NewClient(redisOpt asynq.RedisConnOpt, store Store, opts ClientOptions) *Client {
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
}

// Submit admits a task of the given kind and returns its id without
// waiting for execution. The payload is JSON encoded. If the broker
// rejects the task the record is rolled back and the returned error
// wraps ErrSubmit.
func (c *Client) Submit(ctx context.Context, kind Kind, payload any) (string, error) {
	if c.client == nil || c.store == nil {
		return "", fmt.Errorf("%w: client not initialised", ErrSubmit)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrSubmit, kind)
	}
	if payload == nil {
		payload = struct{}{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %w", ErrSubmit, err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC()
	rec := TaskRecord{
		ID:        id,
		Kind:      kind,
		Queue:     kind.Lane(),
		Payload:   string(payloadBytes),
		State:     StatePending,
		Snapshot:  Snapshot{UpdatedAt: now},
		CreatedAt: now,
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	t := asynq.NewTask(kind.TaskType(), payloadBytes)
	_, err = c.client.EnqueueContext(ctx, t,
		asynq.TaskID(id),
		asynq.Queue(kind.Lane()),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
	)
	if err != nil {
		if delErr := c.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			c.logger.Warn("failed to roll back task record", "task_id", id, "error", delErr)
		}
		c.logger.Error("enqueue failed", "kind", kind, "lane", kind.Lane(), "error", err)
		return "", fmt.Errorf("%w: enqueue: %w", ErrSubmit, err)
	}
	c.logger.Debug("task submitted", "task_id", id, "kind", kind, "lane", kind.Lane())
	return id, nil
}

// Get returns the current record for a task.
func (c *Client) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	return c.store.Get(ctx, taskID)
}

// Await polls the task every interval until it is terminal or ctx ends.
// onUpdate, if set, is called whenever a newer snapshot is observed.
func (c *Client) Await(ctx context.Context, taskID string, interval time.Duration, onUpdate func(TaskRecord)) (*TaskRecord, error) {
	return Await(ctx, c.store, taskID, interval, onUpdate)
}

// Await implements the polling side of the protocol against any Store.
func Await(ctx context.Context, store Store, taskID string, interval time.Duration, onUpdate func(TaskRecord)) (*TaskRecord, error) {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last      time.Time
		lastState State
		seen      *TaskRecord
	)
	for {
		rec, err := store.Get(ctx, taskID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && seen != nil {
				return seen, ctxErr
			}
			return nil, err
		}
		seen = rec
		if onUpdate != nil && (rec.State != lastState || rec.Snapshot.UpdatedAt.After(last)) {
			onUpdate(*rec)
			last = rec.Snapshot.UpdatedAt
			lastState = rec.State
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
