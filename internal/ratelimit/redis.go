// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// slidingWindowScript returns {allowed, remaining, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < max then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  allowed = 1
  count = count + 1
end
local oldest = now
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, max - count, oldest}
`)

// RedisLimiter is the distributed limiter. The whole check runs as one Lua
// script so concurrent callers on one key are serialized by Redis.
type RedisLimiter struct {
	client    redis.UniversalClient
	opTimeout time.Duration
	now       func() time.Time
}

// NewRedisLimiter creates a limiter on client.
func NewRedisLimiter(client redis.UniversalClient, opTimeout time.Duration) *RedisLimiter {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &RedisLimiter{client: client, opTimeout: opTimeout, now: time.Now}
}

// Check runs the sliding window script.
func (l *RedisLimiter) Check(ctx context.Context, identifier string, policy Policy) (Result, error) {
	if err := policy.validate(); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	now := l.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + ulid.Make().String()

	raw, err := slidingWindowScript.Run(ctx, l.client,
		[]string{key(policy.Namespace, identifier)},
		nowMs, policy.Window.Milliseconds(), policy.Max, member,
	).Slice()
	if err != nil {
		return Result{}, core.ErrStoreUnavailable("ratelimit check", err)
	}
	if len(raw) != 3 {
		return Result{}, oops.Code(core.CodeInternal).
			With("reply_len", len(raw)).
			Errorf("unexpected rate limit script reply")
	}

	allowed, _ := raw[0].(int64)
	remaining, _ := raw[1].(int64)
	oldestMs, _ := raw[2].(int64)
	oldest := time.UnixMilli(oldestMs)

	res := Result{
		Allowed:   allowed == 1,
		Remaining: int(max(remaining, 0)),
		ResetAt:   oldest.Add(policy.Window),
	}
	if !res.Allowed {
		res.RetryAfterSeconds = retryAfter(oldest, policy.Window, now)
	}
	return res, nil
}

func (p Policy) validate() error {
	if p.Namespace == "" || p.Window <= 0 || p.Max <= 0 {
		return oops.Code(core.CodeInternal).
			With("namespace", p.Namespace).
			With("window", p.Window.String()).
			With("max", p.Max).
			Errorf("invalid rate limit policy")
	}
	return nil
}
