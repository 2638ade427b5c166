package taskstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Every mutation runs as a Lua script so that the check and the write
// happen atomically for the key, even with several instances sharing redis.

var createScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'starting' or s == 'downloading' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)

var progressScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s ~= 'starting' and s ~= 'downloading' then
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0') or 0
local p = tonumber(ARGV[1])
if p < cur then
  p = cur
end
redis.call('HSET', KEYS[1], 'status', 'downloading', 'progress', tostring(p), 'speed', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

var cancelScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
  return 0
end
if s == 'starting' or s == 'downloading' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[1])
end
return 1
`)

var finishScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s ~= 'starting' and s ~= 'downloading' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'speed', ARGV[2], 'updated_at', ARGV[3], 'finished_at', ARGV[3])
if ARGV[1] == 'complete' then
  redis.call('HSET', KEYS[1], 'progress', '100', 'output_path', ARGV[5], 'download_name', ARGV[6])
elseif ARGV[1] == 'error' then
  redis.call('HSET', KEYS[1], 'error', ARGV[4])
end
redis.call('ZADD', KEYS[2], ARGV[8], ARGV[7])
return 1
`)

var takeScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
  return -1
end
if s ~= 'complete' then
  return 0
end
local fields = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return fields
`)

var evictScript = redis.NewScript(`
local sc = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not sc or tonumber(sc) > tonumber(ARGV[2]) then
  return 0
end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'starting' or s == 'downloading' then
  return 0
end
local fields = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return fields
`)

type redisTaskStore struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisTaskStore(rdb redis.Cmdable) *redisTaskStore {
	return &redisTaskStore{rdb: rdb, now: time.Now}
}

func (s *redisTaskStore) Create(t domain.Task) (domain.Task, bool, error) {
	ctx := context.Background()

	t.Status = domain.StatusStarting
	t.Progress = 0
	t.Speed = ""
	t.CancelRequested = false

	args := []any{t.Key}
	for _, kv := range taskFields(t) {
		args = append(args, kv[0], kv[1])
	}

	created, err := createScript.Run(ctx, s.rdb, []string{taskKey(t.Key), tasksByFinishedKey()}, args...).Int()
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("redis create task: %w", err)
	}
	if created == 1 {
		return t, true, nil
	}

	existing, err := s.Task(t.Key)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("redis create task %s: %w", t.Key, err)
	}
	return existing, false, nil
}

func (s *redisTaskStore) Task(key string) (domain.Task, error) {
	ctx := context.Background()

	res, err := s.rdb.HGetAll(ctx, taskKey(key)).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis get task: %w", err)
	}
	if len(res) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	return decodeTask(key, res), nil
}

func (s *redisTaskStore) UpdateProgress(key string, percent int, speed string) bool {
	ctx := context.Background()

	ok, err := progressScript.Run(ctx, s.rdb, []string{taskKey(key)},
		clampPercent(percent), speed, s.now().UnixNano(),
	).Int()
	if err != nil {
		slog.Warn("redis UpdateProgress", slog.String("task_key", key), slog.String("error", err.Error()))
		return false
	}
	return ok == 1
}

func (s *redisTaskStore) RequestCancel(key string) (domain.Task, error) {
	ctx := context.Background()

	ok, err := cancelScript.Run(ctx, s.rdb, []string{taskKey(key)}, s.now().UnixNano()).Int()
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis cancel task: %w", err)
	}
	if ok != 1 {
		return domain.Task{}, domain.ErrNotFound
	}
	return s.Task(key)
}

func (s *redisTaskStore) Finish(key string, out domain.Outcome) (bool, error) {
	if !out.Status.IsTerminal() {
		return false, nil
	}
	ctx := context.Background()
	now := s.now()

	ok, err := finishScript.Run(ctx, s.rdb, []string{taskKey(key), tasksByFinishedKey()},
		string(out.Status),
		domain.TerminalSpeed(out.Status),
		now.UnixNano(),
		out.Error,
		out.OutputPath,
		out.DownloadName,
		key,
		now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis finish task: %w", err)
	}
	return ok == 1, nil
}

func (s *redisTaskStore) TakeCompleted(key string) (domain.Task, error) {
	ctx := context.Background()

	res, err := takeScript.Run(ctx, s.rdb, []string{taskKey(key), tasksByFinishedKey()}, key).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis take task: %w", err)
	}

	switch v := res.(type) {
	case int64:
		if v < 0 {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, domain.ErrNotReady
	case []any:
		return decodeTask(key, pairsToMap(v)), nil
	}
	return domain.Task{}, fmt.Errorf("redis take task: unexpected reply %T", res)
}

func (s *redisTaskStore) Delete(key string) {
	ctx := context.Background()

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, taskKey(key))
	pipe.ZRem(ctx, tasksByFinishedKey(), key)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis Delete", slog.String("task_key", key), slog.String("error", err.Error()))
	}
}

func (s *redisTaskStore) DeleteFinishedBefore(border time.Time) []domain.Task {
	ctx := context.Background()

	// zset scores are inclusive; step back so only strictly older tasks match
	maxScore := border.UnixMilli() - 1

	keys, err := s.rdb.ZRangeByScore(ctx, tasksByFinishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(maxScore, 10),
	}).Result()
	if err != nil {
		slog.Warn("redis DeleteFinishedBefore", slog.String("error", err.Error()))
		return nil
	}

	var removed []domain.Task
	for _, key := range keys {
		res, err := evictScript.Run(ctx, s.rdb, []string{taskKey(key), tasksByFinishedKey()}, key, maxScore).Result()
		if err != nil {
			slog.Warn("redis evict task", slog.String("task_key", key), slog.String("error", err.Error()))
			continue
		}
		if fields, ok := res.([]any); ok {
			removed = append(removed, decodeTask(key, pairsToMap(fields)))
		}
	}
	return removed
}

func taskFields(t domain.Task) [][2]any {
	return [][2]any{
		{"key", t.Key},
		{"user_id", t.UserID},
		{"url", t.URL},
		{"format_id", t.FormatID},
		{"title", t.Title},
		{"status", string(t.Status)},
		{"progress", t.Progress},
		{"speed", t.Speed},
		{"error", t.Error},
		{"cancel_requested", boolFlag(t.CancelRequested)},
		{"output_path", t.OutputPath},
		{"download_name", t.DownloadName},
		{"created_at", t.CreatedAt.UnixNano()},
		{"updated_at", t.UpdatedAt.UnixNano()},
		{"finished_at", 0},
	}
}

func decodeTask(key string, res map[string]string) domain.Task {
	t := domain.Task{
		Key:             key,
		UserID:          res["user_id"],
		URL:             res["url"],
		FormatID:        res["format_id"],
		Title:           res["title"],
		Status:          domain.TaskStatus(res["status"]),
		Speed:           res["speed"],
		Error:           res["error"],
		CancelRequested: res["cancel_requested"] == "1",
		OutputPath:      res["output_path"],
		DownloadName:    res["download_name"],
	}

	if v, ok := res["progress"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.Progress = n
		}
	}

	t.CreatedAt = unixNano(res["created_at"])
	t.UpdatedAt = unixNano(res["updated_at"])
	t.FinishedAt = unixNano(res["finished_at"])

	return t
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func pairsToMap(flat []any) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func taskKey(key string) string {
	return "download:task:" + key
}

func tasksByFinishedKey() string {
	return "downloads:by_finished"
}
