// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcast/roomcast/internal/core"
)

// harness pairs a store with a way to move its clock forward.
type harness struct {
	store   Store
	advance func(time.Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func harnesses(t *testing.T) map[string]func(t *testing.T) harness {
	t.Helper()
	return map[string]func(t *testing.T) harness{
		"memory": func(_ *testing.T) harness {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			return harness{store: NewMemoryStoreWithClock(clock.Now), advance: clock.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return harness{store: NewRedisStore(client, time.Second), advance: mr.FastForward}
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, h harness)) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, mk(t))
		})
	}
}

func TestStore_GetPut(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		_, err := h.store.Get(ctx, "presence:u1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, h.store.Put(ctx, "presence:u1", []byte(`{"status":"online"}`), time.Minute))
		val, err := h.store.Get(ctx, "presence:u1")
		require.NoError(t, err)
		assert.Equal(t, `{"status":"online"}`, string(val))

		h.advance(2 * time.Minute)
		_, err = h.store.Get(ctx, "presence:u1")
		assert.ErrorIs(t, err, ErrNotFound, "value should expire after its ttl")
	})
}

func TestStore_DeleteAndExpire(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		require.NoError(t, h.store.Put(ctx, "a", []byte("1"), 0))
		require.NoError(t, h.store.Put(ctx, "b", []byte("2"), 0))
		require.NoError(t, h.store.Delete(ctx, "a", "missing"))

		_, err := h.store.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, h.store.Expire(ctx, "b", time.Second))
		h.advance(2 * time.Second)
		_, err = h.store.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_IncrDecr(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		n, err := h.store.Incr(ctx, "presence:conns:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = h.store.Incr(ctx, "presence:conns:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = h.store.Decr(ctx, "presence:conns:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = h.store.Decr(ctx, "presence:conns:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		_, err = h.store.Get(ctx, "presence:conns:u1")
		assert.ErrorIs(t, err, ErrNotFound, "counter should be removed at zero")

		n, err = h.store.Decr(ctx, "presence:conns:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "decrement of a missing counter never goes negative")
	})
}

func TestStore_Hash(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := "typing:post:1"

		require.NoError(t, h.store.HashSet(ctx, key, "u1", []byte("a"), time.Minute))
		require.NoError(t, h.store.HashSet(ctx, key, "u2", []byte("b"), time.Minute))

		val, err := h.store.HashGet(ctx, key, "u1")
		require.NoError(t, err)
		assert.Equal(t, "a", string(val))

		_, err = h.store.HashGet(ctx, key, "u3")
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := h.store.HashLen(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := h.store.HashGetAll(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"u1": []byte("a"), "u2": []byte("b")}, all)

		removed, err := h.store.HashDelete(ctx, key, "u1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = h.store.HashDelete(ctx, key, "u1")
		require.NoError(t, err)
		assert.False(t, removed, "second delete reports nothing removed")

		all, err = h.store.HashGetAll(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestStore_HashCompareAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := "typing:post:1"

		require.NoError(t, h.store.HashSet(ctx, key, "u1", []byte("v2"), time.Minute))

		removed, err := h.store.HashCompareAndDelete(ctx, key, "u1", []byte("v1"))
		require.NoError(t, err)
		assert.False(t, removed, "refreshed value must survive")

		removed, err = h.store.HashCompareAndDelete(ctx, key, "u1", []byte("v2"))
		require.NoError(t, err)
		assert.True(t, removed)

		n, err := h.store.HashLen(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_DecrRelease(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		r := Release{Keys: []string{"rec:u1"}, Hashes: []string{"index", "seen"}, Field: "u1"}
		require.NoError(t, h.store.Put(ctx, "rec:u1", []byte("x"), 0))
		require.NoError(t, h.store.HashSet(ctx, "index", "u1", []byte("x"), 0))
		require.NoError(t, h.store.HashSet(ctx, "index", "u2", []byte("x"), 0))
		require.NoError(t, h.store.HashSet(ctx, "seen", "u1", []byte("1"), 0))
		_, err := h.store.Incr(ctx, "conns:u1", time.Minute)
		require.NoError(t, err)
		_, err = h.store.Incr(ctx, "conns:u1", time.Minute)
		require.NoError(t, err)

		n, removed, err := h.store.DecrRelease(ctx, "conns:u1", r)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.False(t, removed)
		_, err = h.store.Get(ctx, "rec:u1")
		require.NoError(t, err, "state kept while the counter is positive")

		n, removed, err = h.store.DecrRelease(ctx, "conns:u1", r)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.True(t, removed)
		for _, key := range []string{"rec:u1", "conns:u1"} {
			_, err = h.store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound, key)
		}
		_, err = h.store.HashGet(ctx, "seen", "u1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = h.store.HashGet(ctx, "index", "u2")
		assert.NoError(t, err)

		n, removed, err = h.store.DecrRelease(ctx, "conns:u1", r)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "never negative")
		assert.False(t, removed)
	})
}

func TestStore_ReleaseIfIdle(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		r := Release{Keys: []string{"rec:u1"}, Hashes: []string{"index"}, Field: "u1"}
		require.NoError(t, h.store.Put(ctx, "rec:u1", []byte("x"), 0))
		require.NoError(t, h.store.HashSet(ctx, "index", "u1", []byte("x"), 0))
		_, err := h.store.Incr(ctx, "conns:u1", time.Minute)
		require.NoError(t, err)

		cleared, removed, err := h.store.ReleaseIfIdle(ctx, "conns:u1", r)
		require.NoError(t, err)
		assert.False(t, cleared)
		assert.False(t, removed)
		_, err = h.store.Get(ctx, "rec:u1")
		require.NoError(t, err)

		h.advance(2 * time.Minute)
		require.NoError(t, h.store.Put(ctx, "rec:u1", []byte("x"), 0))
		cleared, removed, err = h.store.ReleaseIfIdle(ctx, "conns:u1", r)
		require.NoError(t, err)
		assert.True(t, cleared)
		assert.True(t, removed)
		_, err = h.store.HashGet(ctx, "index", "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_HashIncr(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := "room:post:1:members"

		n, err := h.store.HashIncr(ctx, key, "u1", 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = h.store.HashIncr(ctx, key, "u1", 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = h.store.HashIncr(ctx, key, "u2", 1, time.Hour)
		require.NoError(t, err)

		count, err := h.store.HashLen(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "viewer count is distinct identities")

		n, err = h.store.HashIncr(ctx, key, "u1", -2, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		count, err = h.store.HashLen(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "field is removed at zero")

		n, err = h.store.HashIncr(ctx, key, "ghost", -1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		h.advance(2 * time.Hour)
		count, err = h.store.HashLen(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, count, "membership self-heals after its ttl")
	})
}

func TestStore_Scan(t *testing.T) {
	forEachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		require.NoError(t, h.store.Put(ctx, "presence:u1", []byte("x"), 0))
		require.NoError(t, h.store.Put(ctx, "presence:u2", []byte("x"), 0))
		require.NoError(t, h.store.HashSet(ctx, "typing:post:1", "u1", []byte("x"), 0))

		keys, err := h.store.Scan(ctx, "presence:*")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"presence:u1", "presence:u2"}, keys)

		keys, err = h.store.Scan(ctx, "typing:*")
		require.NoError(t, err)
		assert.Equal(t, []string{"typing:post:1"}, keys)
	})
}

func TestRedisStore_ErrorsAreStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, 100*time.Millisecond)

	mr.Close()

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeStoreUnavailable))
	assert.Error(t, store.Ping(context.Background()))
}

func TestMemoryStore_WrongType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "h", "f", []byte("v"), 0))
	_, err := s.Incr(ctx, "h", 0)
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = s.Get(ctx, "h")
	assert.ErrorIs(t, err, ErrNotFound)
}
