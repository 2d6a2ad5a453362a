// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/roomcast/roomcast/internal/core"
)

// DefaultOpTimeout bounds every Redis round trip.
const DefaultOpTimeout = 500 * time.Millisecond

// scanCount is the COUNT hint for SCAN iterations.
const scanCount = 200

var hashIncrScript = redis.NewScript(`
local v = redis.call("HINCRBY", KEYS[1], ARGV[1], ARGV[2])
if v <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
  v = 0
end
if redis.call("HLEN", KEYS[1]) > 0 and tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return v
`)

var decrScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v <= 0 then
  redis.call("DEL", KEYS[1])
  return 0
end
return v
`)

var hashCompareDeleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// releaseScript takes KEYS = counter, plain keys, hashes and ARGV = mode
// ("decr" or "idle"), field, plain key count. Returns {value, cleared, removed}.
var releaseScript = redis.NewScript(`
if ARGV[1] == "decr" then
  local n = redis.call("DECR", KEYS[1])
  if n > 0 then
    return {n, 0, 0}
  end
elseif redis.call("EXISTS", KEYS[1]) == 1 then
  return {1, 0, 0}
end
redis.call("DEL", KEYS[1])
local plain = tonumber(ARGV[3])
for i = 2, plain + 1 do
  redis.call("DEL", KEYS[i])
end
local removed = 0
for i = plain + 2, #KEYS do
  local r = redis.call("HDEL", KEYS[i], ARGV[2])
  if i == plain + 2 then
    removed = r
  end
end
return {0, 1, removed}
`)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisStore wraps client. A non-positive opTimeout uses DefaultOpTimeout.
func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func storeErr(op string, err error) error {
	return core.ErrStoreUnavailable(op, err)
}

// Get returns the value at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return val, nil
}

// Put writes value at key.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeErr("set", err)
	}
	return nil
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr("del", err)
	}
	return nil
}

// Expire sets the ttl of key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return storeErr("pexpire", err)
	}
	return nil
}

// Incr increments key and renews its ttl in one transaction.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("incr", err)
	}
	return incr.Val(), nil
}

// Decr decrements key, removing it at zero.
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := decrScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return 0, storeErr("decr", err)
	}
	return v, nil
}

// HashSet writes one hash field and renews the key ttl.
func (s *RedisStore) HashSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return storeErr("hset", err)
	}
	return nil
}

// HashGet returns one hash field.
func (s *RedisStore) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("hget", err)
	}
	return val, nil
}

// HashDelete removes one hash field.
func (s *RedisStore) HashDelete(ctx context.Context, key, field string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.HDel(ctx, key, field).Result()
	if err != nil {
		return false, storeErr("hdel", err)
	}
	return n > 0, nil
}

// HashCompareAndDelete removes a field only while it holds expected.
func (s *RedisStore) HashCompareAndDelete(ctx context.Context, key, field string, expected []byte) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := hashCompareDeleteScript.Run(ctx, s.client, []string{key}, field, expected).Int64()
	if err != nil {
		return false, storeErr("hcas", err)
	}
	return n > 0, nil
}

// HashGetAll returns every field of the hash.
func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeErr("hgetall", err)
	}
	out := make(map[string][]byte, len(raw))
	for field, val := range raw {
		out[field] = []byte(val)
	}
	return out, nil
}

// HashLen returns the field count of the hash.
func (s *RedisStore) HashLen(ctx context.Context, key string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, storeErr("hlen", err)
	}
	return int(n), nil
}

// HashIncr adjusts a counter field atomically.
func (s *RedisStore) HashIncr(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := hashIncrScript.Run(ctx, s.client, []string{key}, field, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, storeErr("hincr", err)
	}
	return v, nil
}

// Scan walks the keyspace with SCAN. Each iteration gets its own timeout.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		opCtx, cancel := s.withTimeout(ctx)
		batch, next, err := s.client.Scan(opCtx, cursor, pattern, scanCount).Result()
		cancel()
		if err != nil {
			return nil, storeErr("scan", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *RedisStore) release(ctx context.Context, mode, counter string, r Release) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := make([]string, 0, 1+len(r.Keys)+len(r.Hashes))
	keys = append(keys, counter)
	keys = append(keys, r.Keys...)
	keys = append(keys, r.Hashes...)
	out, err := releaseScript.Run(ctx, s.client, keys, mode, r.Field, len(r.Keys)).Int64Slice()
	if err != nil {
		return nil, storeErr("release", err)
	}
	if len(out) != 3 {
		return nil, core.ErrInternal("release", errors.New("unexpected script reply"))
	}
	return out, nil
}

// DecrRelease decrements counter and clears r when it reaches zero.
func (s *RedisStore) DecrRelease(ctx context.Context, counter string, r Release) (int64, bool, error) {
	out, err := s.release(ctx, "decr", counter, r)
	if err != nil {
		return 0, false, err
	}
	return out[0], out[2] == 1, nil
}

// ReleaseIfIdle clears r while counter is absent.
func (s *RedisStore) ReleaseIfIdle(ctx context.Context, counter string, r Release) (bool, bool, error) {
	out, err := s.release(ctx, "idle", counter, r)
	if err != nil {
		return false, false, err
	}
	return out[1] == 1, out[2] == 1, nil
}
