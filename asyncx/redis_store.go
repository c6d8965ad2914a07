package asyncx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "asyncchat:task:"

// publishScript performs the terminal check and the write in one step.
// Returns -1 for a missing record, 0 for a terminal one, 1 on write.
var publishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then
  return -1
end
if st == 'SUCCESS' or st == 'FAILURE' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'snapshot_json', ARGV[2], 'updated_at', ARGV[3])
if (ARGV[1] == 'SUCCESS' or ARGV[1] == 'FAILURE') and tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// RedisStore keeps task records in Redis hashes, one key per task.
// Terminal records expire after the retention window.
type RedisStore struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention}
}

func redisKey(taskID string) string { return redisKeyPrefix + taskID }

func (s *RedisStore) Create(ctx context.Context, rec TaskRecord) error {
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
	err = s.rdb.HSet(ctx, redisKey(rec.ID),
		"id", rec.ID,
		"kind", string(rec.Kind),
		"queue", rec.Queue,
		"payload_json", rec.Payload,
		"state", string(rec.State),
		"snapshot_json", string(snap),
		"created_at", ts,
		"updated_at", ts,
	).Err()
	if err != nil {
		return fmt.Errorf("create task %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, taskID string, state State, snap Snapshot) error {
	now := time.Now().UTC()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = now
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	res, err := publishScript.Run(ctx, s.rdb, []string{redisKey(taskID)},
		string(state), string(body), formatTime(now), s.retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrTerminal
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, redisKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec := &TaskRecord{
		ID:        fields["id"],
		Kind:      Kind(fields["kind"]),
		Queue:     fields["queue"],
		Payload:   fields["payload_json"],
		State:     State(fields["state"]),
		CreatedAt: parseTime(fields["created_at"]),
		UpdatedAt: parseTime(fields["updated_at"]),
	}
	if err := json.Unmarshal([]byte(fields["snapshot_json"]), &rec.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", taskID, err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if err := s.rdb.Del(ctx, redisKey(taskID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// PurgeTerminal is a no-op: terminal keys carry a TTL set at publish time.
func (s *RedisStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
