// Package redisadapter implements adapter.Adapter on top of Redis,
// suitable for coordinating a real multi-instance fleet. Task records
// live in a hash (JSON-encoded) and a sorted set keyed by ExecuteAt,
// so Iterate can cheaply find everything due without a full scan.
package redisadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftcron/driftcron/adapter"
)

// claimScript atomically checks that a task's record still exists in
// the hash, moves its sorted-set score to rescheduleTo, and returns the
// hash payload. Only the sorted set is rewritten; the execute_at field
// inside the JSON payload is left as it was. It borrows the shape of
// the teacher's RenewLock/ReleaseLock read-then-mutate scripts.
const claimScript = `
local hashKey = KEYS[1]
local zsetKey = KEYS[2]
local member = ARGV[1]
local rescheduleAtMillis = ARGV[2]

local raw = redis.call("hget", hashKey, member)
if not raw then
	return false
end
redis.call("zadd", zsetKey, rescheduleAtMillis, member)
return raw
`

// releaseLockScript deletes key only if its current value matches
// token, mirroring the teacher's compare-and-delete lock release.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

type taskPayload struct {
	Delay      time.Duration `json:"delay"`
	ExecuteAt  time.Time     `json:"execute_at"`
	IsInterval bool          `json:"is_interval"`
}

// Adapter is a Redis-backed adapter.Adapter. One Adapter value may be
// shared by every instance in the fleet; the fleet-wide namespace is
// derived from Prefix.
type Adapter struct {
	client *redis.Client
	prefix string

	claimSHA       string
	releaseLockSHA string
}

// New preloads the Lua scripts used by Iterate and ReleaseLock, the
// same "avoid sending script text on every call" optimization the
// teacher's store package applies.
func New(ctx context.Context, client *redis.Client, prefix string) (*Adapter, error) {
	claimSHA, err := client.ScriptLoad(ctx, claimScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redisadapter: preload claim script: %w", err)
	}
	releaseLockSHA, err := client.ScriptLoad(ctx, releaseLockScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redisadapter: preload release-lock script: %w", err)
	}
	return &Adapter{
		client:         client,
		prefix:         prefix,
		claimSHA:       claimSHA,
		releaseLockSHA: releaseLockSHA,
	}, nil
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) hashKey() string { return a.prefix + ":tasks" }
func (a *Adapter) zsetKey() string { return a.prefix + ":schedule" }
func (a *Adapter) lockKey(scope string) string {
	return a.prefix + ":lock:" + scope
}

func (a *Adapter) Ping(ctx context.Context) (adapter.PingResult, error) {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return adapter.PingResult{Status: "error", Code: 0}, err
	}
	return adapter.PingResult{Status: "ok", Code: 200}, nil
}

// AcquireLock uses SET NX PX, the same primitive as the teacher's
// RedisStore.AcquireLock. The held value is an opaque marker, not an
// owner token: this adapter's contract never asks for the lock back
// from a caller who didn't just acquire it.
func (a *Adapter) AcquireLock(ctx context.Context, scope string, expireAt time.Time) (bool, error) {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	ok, err := a.client.SetNX(ctx, a.lockKey(scope), "held", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisadapter: acquire lock: %w", err)
	}
	return ok, nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, scope string) error {
	res, err := a.client.EvalSha(ctx, a.releaseLockSHA, []string{a.lockKey(scope)}, "held").Result()
	if err != nil && isNoScriptErr(err) {
		res, err = a.client.Eval(ctx, releaseLockScript, []string{a.lockKey(scope)}, "held").Result()
	}
	if err != nil {
		return fmt.Errorf("redisadapter: release lock: %w", err)
	}
	_ = res
	return nil
}

func (a *Adapter) Add(ctx context.Context, key string, isInterval bool, delay time.Duration) (bool, error) {
	existed, err := a.client.HExists(ctx, a.hashKey(), key).Result()
	if err != nil {
		return false, fmt.Errorf("redisadapter: add HExists: %w", err)
	}

	executeAt := time.Now().Add(delay)
	payload := taskPayload{Delay: delay, ExecuteAt: executeAt, IsInterval: isInterval}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("redisadapter: marshal task: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, a.hashKey(), key, data)
	pipe.ZAdd(ctx, a.zsetKey(), redis.Z{Score: float64(executeAt.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redisadapter: add pipeline: %w", err)
	}

	return !existed, nil
}

func (a *Adapter) Remove(ctx context.Context, key string) (bool, error) {
	pipe := a.client.TxPipeline()
	hdel := pipe.HDel(ctx, a.hashKey(), key)
	pipe.ZRem(ctx, a.zsetKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redisadapter: remove pipeline: %w", err)
	}
	return hdel.Val() > 0, nil
}

func (a *Adapter) Update(ctx context.Context, key string, nextExecuteAt time.Time) (bool, error) {
	raw, err := a.client.HGet(ctx, a.hashKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisadapter: update HGet: %w", err)
	}

	var payload taskPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false, fmt.Errorf("redisadapter: update unmarshal: %w", err)
	}
	payload.ExecuteAt = nextExecuteAt
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("redisadapter: update marshal: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, a.hashKey(), key, data)
	pipe.ZAdd(ctx, a.zsetKey(), redis.Z{Score: float64(nextExecuteAt.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redisadapter: update pipeline: %w", err)
	}
	return true, nil
}

func (a *Adapter) Iterate(ctx context.Context, dueBefore time.Time, rescheduleTo time.Time, exec adapter.ExecuteFunc) error {
	members, err := a.client.ZRangeByScore(ctx, a.zsetKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", dueBefore.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("redisadapter: iterate ZRangeByScore: %w", err)
	}

	rescheduleMillis := fmt.Sprintf("%d", rescheduleTo.UnixMilli())
	for _, member := range members {
		raw, err := a.claim(ctx, member, rescheduleMillis)
		if err != nil {
			return fmt.Errorf("redisadapter: claim %q: %w", member, err)
		}
		if raw == "" {
			continue // concurrently removed between ZRangeByScore and claim
		}

		var payload taskPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("redisadapter: claim unmarshal %q: %w", member, err)
		}

		task := &adapter.TaskRecord{
			UID:        member,
			Delay:      payload.Delay,
			ExecuteAt:  rescheduleTo,
			IsInterval: payload.IsInterval,
		}
		exec(ctx, task)
	}
	return nil
}

func (a *Adapter) claim(ctx context.Context, member, rescheduleMillis string) (string, error) {
	res, err := a.client.EvalSha(ctx, a.claimSHA, []string{a.hashKey(), a.zsetKey()}, member, rescheduleMillis).Result()
	if err != nil && isNoScriptErr(err) {
		res, err = a.client.Eval(ctx, claimScript, []string{a.hashKey(), a.zsetKey()}, member, rescheduleMillis).Result()
	}
	if err != nil {
		return "", err
	}
	raw, ok := res.(string)
	if !ok {
		return "", nil
	}
	return raw, nil
}

func isNoScriptErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
