package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shashiranjanraj/courier/pkg/message"
)

// RedisStore is the production Store, backed by a Redis-compatible server.
//
// Layout per queue (prefix courier:queue:<name>):
//
//	:ready      zset, member = job id, score = not-before unix-ms. Holds both
//	            waiting (score in the past) and delayed (score in the future)
//	            jobs, so a single ZRANGEBYSCORE finds the next ready job and
//	            delay-based scheduling needs no promotion ticker.
//	:active     zset, member = job id, score = reserved-at unix-ms. The score
//	            drives the stale-reservation reaper.
//	:completed  zset, member = job id, score = completed-at unix-ms. The
//	            score drives retention trimming.
//	:failed     set of job ids parked after a dead-letter insert failure.
//	:jobs       hash, job id → JSON JobRecord.
//
// Reservation runs a Lua script so two workers can never pop the same job.
type RedisStore struct {
	rdb       *redis.Client
	mainQueue string
	deadQueue string
	nowFn     func() time.Time
}

// reserveScript atomically claims the ready job with the smallest not-before
// score: remove it from :ready, add it to :active stamped with now.
var reserveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// NewRedisStore creates a Store on rdb managing the given main/dead-letter
// queue pair. Pass the same *redis.Client the rest of the process uses.
func NewRedisStore(rdb *redis.Client, mainQueue, deadLetterQueue string) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		mainQueue: mainQueue,
		deadQueue: deadLetterQueue,
		nowFn:     time.Now,
	}
}

func (s *RedisStore) key(queue, part string) string {
	return "courier:queue:" + queue + ":" + part
}

func unixMS(t time.Time) int64 { return t.UnixMilli() }

func msArg(t time.Time) string { return strconv.FormatInt(unixMS(t), 10) }

func (s *RedisStore) putRecord(ctx context.Context, queue string, rec *JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jobstore/redis: marshal job %s: %w", rec.JobID, err)
	}
	if err := s.rdb.HSet(ctx, s.key(queue, "jobs"), rec.JobID, raw).Err(); err != nil {
		return fmt.Errorf("jobstore/redis: store job %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *RedisStore) getRecord(ctx context.Context, queue, jobID string) (*JobRecord, error) {
	raw, err := s.rdb.HGet(ctx, s.key(queue, "jobs"), jobID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("jobstore/redis: job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: load job %s: %w", jobID, err)
	}

	var rec JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("jobstore/redis: decode job %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, queue string, msg message.Message) (string, error) {
	now := s.nowFn()
	rec := &JobRecord{
		JobID:        uuid.NewString(),
		Queue:        queue,
		Message:      msg,
		State:        StateWaiting,
		AttemptCount: 1,
		EnqueuedAt:   now,
	}

	if err := s.putRecord(ctx, queue, rec); err != nil {
		return "", err
	}
	err := s.rdb.ZAdd(ctx, s.key(queue, "ready"), redis.Z{
		Score:  float64(unixMS(now)),
		Member: rec.JobID,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("jobstore/redis: enqueue %s: %w", rec.JobID, err)
	}
	return rec.JobID, nil
}

func (s *RedisStore) Reserve(ctx context.Context, queue, _ string) (*JobRecord, error) {
	now := s.nowFn()

	res, err := reserveScript.Run(ctx, s.rdb,
		[]string{s.key(queue, "ready"), s.key(queue, "active")},
		msArg(now),
	).Result()
	if err == redis.Nil {
		return nil, nil // nothing ready
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: reserve: %w", err)
	}

	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	rec, err := s.getRecord(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}

	rec.State = StateActive
	if rec.FirstAttemptedAt == nil {
		t := now
		rec.FirstAttemptedAt = &t
	}
	if err := s.putRecord(ctx, queue, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, queue, jobID string) error {
	rec, err := s.getRecord(ctx, queue, jobID)
	if err != nil {
		return err
	}

	now := s.nowFn()
	rec.State = StateCompleted
	rec.NotBefore = time.Time{}
	rec.CompletedAt = &now
	if err := s.putRecord(ctx, queue, rec); err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, s.key(queue, "active"), jobID)
	pipe.ZAdd(ctx, s.key(queue, "completed"), redis.Z{
		Score:  float64(unixMS(now)),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore/redis: complete %s: %w", jobID, err)
	}

	if queue == s.mainQueue {
		s.trimCompleted(ctx, queue, now)
	}
	return nil
}

// trimCompleted applies the retention policy. Housekeeping only: errors are
// ignored and the next Complete retries the trim.
func (s *RedisStore) trimCompleted(ctx context.Context, queue string, now time.Time) {
	completedKey := s.key(queue, "completed")
	jobsKey := s.key(queue, "jobs")

	cutoff := msArg(now.Add(-CompletedRetentionAge))
	old, err := s.rdb.ZRangeByScore(ctx, completedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err == nil && len(old) > 0 {
		pipe := s.rdb.Pipeline()
		pipe.ZRem(ctx, completedKey, toMembers(old)...)
		pipe.HDel(ctx, jobsKey, old...)
		pipe.Exec(ctx) //nolint:errcheck
	}

	card, err := s.rdb.ZCard(ctx, completedKey).Result()
	if err != nil || card <= CompletedRetentionCount {
		return
	}
	excess, err := s.rdb.ZRange(ctx, completedKey, 0, card-CompletedRetentionCount-1).Result()
	if err != nil || len(excess) == 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, completedKey, toMembers(excess)...)
	pipe.HDel(ctx, jobsKey, excess...)
	pipe.Exec(ctx) //nolint:errcheck
}

func toMembers(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func (s *RedisStore) Fail(ctx context.Context, queue, jobID, lastError string, nextDelay time.Duration, nextAttempt int) error {
	rec, err := s.getRecord(ctx, queue, jobID)
	if err != nil {
		return err
	}

	now := s.nowFn()
	rec.State = StateDelayed
	rec.NotBefore = now.Add(nextDelay)
	rec.LastError = lastError
	rec.AttemptCount = nextAttempt
	if err := s.putRecord(ctx, queue, rec); err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, s.key(queue, "active"), jobID)
	pipe.ZAdd(ctx, s.key(queue, "ready"), redis.Z{
		Score:  float64(unixMS(rec.NotBefore)),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore/redis: fail %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) MoveToDeadLetter(ctx context.Context, jobID, finalError string) error {
	rec, err := s.getRecord(ctx, s.mainQueue, jobID)
	if err != nil {
		return err
	}

	now := s.nowFn()
	moved := *rec
	moved.Queue = s.deadQueue
	moved.State = StateWaiting
	moved.LastError = finalError
	moved.NotBefore = time.Time{}
	moved.MovedToDeadLetterAt = &now

	if err := s.insertDeadLetter(ctx, &moved, now); err != nil {
		// Could not land the dead-letter record: park the job failed in the
		// main queue so it stays visible and requeueable.
		rec.State = StateFailed
		rec.LastError = finalError
		rec.NotBefore = time.Time{}
		if perr := s.putRecord(ctx, s.mainQueue, rec); perr != nil {
			return perr
		}
		pipe := s.rdb.Pipeline()
		pipe.ZRem(ctx, s.key(s.mainQueue, "active"), jobID)
		pipe.SAdd(ctx, s.key(s.mainQueue, "failed"), jobID)
		pipe.Exec(ctx) //nolint:errcheck
		return fmt.Errorf("jobstore/redis: move %s to dead letter: %w", jobID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, s.key(s.mainQueue, "active"), jobID)
	pipe.ZRem(ctx, s.key(s.mainQueue, "ready"), jobID)
	pipe.HDel(ctx, s.key(s.mainQueue, "jobs"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore/redis: detach %s from main: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) insertDeadLetter(ctx context.Context, rec *JobRecord, now time.Time) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(s.deadQueue, "jobs"), rec.JobID, raw)
	pipe.ZAdd(ctx, s.key(s.deadQueue, "ready"), redis.Z{
		Score:  float64(unixMS(now)),
		Member: rec.JobID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context, queue string, state State, offset, limit int) ([]*JobRecord, error) {
	now := s.nowFn()

	if limit <= 0 {
		limit = 100
	}

	var ids []string
	var err error
	switch state {
	case StateWaiting:
		ids, err = s.rdb.ZRangeByScore(ctx, s.key(queue, "ready"), &redis.ZRangeBy{
			Min: "-inf", Max: msArg(now), Offset: int64(offset), Count: int64(limit),
		}).Result()
	case StateDelayed:
		ids, err = s.rdb.ZRangeByScore(ctx, s.key(queue, "ready"), &redis.ZRangeBy{
			Min: "(" + msArg(now), Max: "+inf", Offset: int64(offset), Count: int64(limit),
		}).Result()
	case StateActive:
		ids, err = s.rdb.ZRange(ctx, s.key(queue, "active"), int64(offset), int64(offset+limit-1)).Result()
	case StateCompleted:
		// Newest completions first.
		ids, err = s.rdb.ZRevRange(ctx, s.key(queue, "completed"), int64(offset), int64(offset+limit-1)).Result()
	case StateFailed:
		ids, err = s.listFailed(ctx, queue, offset, limit)
	case "":
		return s.listAll(ctx, queue, offset, limit, now)
	default:
		return nil, fmt.Errorf("jobstore/redis: list: unknown state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: list %s/%s: %w", queue, state, err)
	}

	return s.loadRecords(ctx, queue, ids, now)
}

func (s *RedisStore) listFailed(ctx context.Context, queue string, offset, limit int) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.key(queue, "failed")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end], nil
}

// listAll loads the whole queue hash and orders by enqueue time. Used for
// the dead-letter listing, which is bounded by operator attention rather
// than throughput.
func (s *RedisStore) listAll(ctx context.Context, queue string, offset, limit int, now time.Time) ([]*JobRecord, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key(queue, "jobs")).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: list %s: %w", queue, err)
	}

	recs := make([]*JobRecord, 0, len(raw))
	for id, blob := range raw {
		var rec JobRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("jobstore/redis: decode job %s: %w", id, err)
		}
		normalizeState(&rec, now)
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].EnqueuedAt.Before(recs[j].EnqueuedAt) })

	if offset >= len(recs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	return recs[offset:end], nil
}

func (s *RedisStore) loadRecords(ctx context.Context, queue string, ids []string, now time.Time) ([]*JobRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := s.rdb.HMGet(ctx, s.key(queue, "jobs"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: load records: %w", err)
	}

	out := make([]*JobRecord, 0, len(ids))
	for i, blob := range raw {
		str, ok := blob.(string)
		if !ok {
			continue // record vanished between the index read and here
		}
		var rec JobRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("jobstore/redis: decode job %s: %w", ids[i], err)
		}
		normalizeState(&rec, now)
		out = append(out, &rec)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, queue, jobID string) (*JobRecord, error) {
	rec, err := s.getRecord(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}
	normalizeState(rec, s.nowFn())
	return rec, nil
}

func (s *RedisStore) Remove(ctx context.Context, queue, jobID string) error {
	exists, err := s.rdb.HExists(ctx, s.key(queue, "jobs"), jobID).Result()
	if err != nil {
		return fmt.Errorf("jobstore/redis: remove %s: %w", jobID, err)
	}
	if !exists {
		return fmt.Errorf("jobstore/redis: remove %s: %w", jobID, ErrNotFound)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, s.key(queue, "ready"), jobID)
	pipe.ZRem(ctx, s.key(queue, "active"), jobID)
	pipe.ZRem(ctx, s.key(queue, "completed"), jobID)
	pipe.SRem(ctx, s.key(queue, "failed"), jobID)
	pipe.HDel(ctx, s.key(queue, "jobs"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore/redis: remove %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Counts(ctx context.Context, queue string) (Counts, error) {
	now := msArg(s.nowFn())

	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCount(ctx, s.key(queue, "ready"), "-inf", now)
	delayed := pipe.ZCount(ctx, s.key(queue, "ready"), "("+now, "+inf")
	active := pipe.ZCard(ctx, s.key(queue, "active"))
	completed := pipe.ZCard(ctx, s.key(queue, "completed"))
	failed := pipe.SCard(ctx, s.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("jobstore/redis: counts %s: %w", queue, err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *RedisStore) RequeueStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	now := s.nowFn()
	cutoff := msArg(now.Add(-olderThan))

	stale, err := s.rdb.ZRangeByScore(ctx, s.key(queue, "active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("jobstore/redis: scan stale %s: %w", queue, err)
	}

	reset := 0
	for _, jobID := range stale {
		// Claim the id first so a concurrent reaper resets it once.
		removed, err := s.rdb.ZRem(ctx, s.key(queue, "active"), jobID).Result()
		if err != nil || removed == 0 {
			continue
		}

		rec, err := s.getRecord(ctx, queue, jobID)
		if err != nil {
			continue
		}
		rec.State = StateWaiting
		rec.NotBefore = time.Time{}
		if err := s.putRecord(ctx, queue, rec); err != nil {
			continue
		}
		if err := s.rdb.ZAdd(ctx, s.key(queue, "ready"), redis.Z{
			Score:  float64(unixMS(now)),
			Member: jobID,
		}).Err(); err != nil {
			continue
		}
		reset++
	}
	return reset, nil
}

func (s *RedisStore) Obliterate(ctx context.Context, queue string) error {
	err := s.rdb.Del(ctx,
		s.key(queue, "ready"),
		s.key(queue, "active"),
		s.key(queue, "completed"),
		s.key(queue, "failed"),
		s.key(queue, "jobs"),
	).Err()
	if err != nil {
		return fmt.Errorf("jobstore/redis: obliterate %s: %w", queue, err)
	}
	return nil
}
