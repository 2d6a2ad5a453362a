// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package kv

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/roomcast/roomcast/internal/core"
)

type memEntry struct {
	value     []byte
	hash      map[string][]byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store with TTL support. It is used for
// single-instance deployments and tests; state is not shared across processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store on the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     now,
	}
}

// live returns the entry at key, evicting it first if expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get returns the value at key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.hash != nil {
		return nil, ErrNotFound
	}
	return clone(e.value), nil
}

// Put writes value at key.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{value: clone(value), expiresAt: s.deadline(ttl)}
	return nil
}

// Delete removes keys.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// Expire sets the ttl of key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil {
		e.expiresAt = s.deadline(ttl)
	}
	return nil
}

func (s *MemoryStore) counter(key string) (*memEntry, int64, error) {
	e := s.live(key)
	if e == nil {
		e = &memEntry{}
		s.entries[key] = e
		return e, 0, nil
	}
	if e.hash != nil {
		return nil, 0, core.ErrInternal("incr", ErrWrongType)
	}
	if len(e.value) == 0 {
		return e, 0, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return nil, 0, core.ErrInternal("incr", ErrWrongType)
	}
	return e, n, nil
}

// Incr increments key and renews its ttl.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, n, err := s.counter(key)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	if ttl > 0 {
		e.expiresAt = s.deadline(ttl)
	}
	return n, nil
}

// Decr decrements key, removing it at zero.
func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, n, err := s.counter(key)
	if err != nil {
		return 0, err
	}
	n--
	if n <= 0 {
		delete(s.entries, key)
		return 0, nil
	}
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// hashEntry returns the live hash at key, creating it when create is set.
func (s *MemoryStore) hashEntry(key string, create bool) (*memEntry, error) {
	e := s.live(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &memEntry{hash: make(map[string][]byte)}
		s.entries[key] = e
		return e, nil
	}
	if e.hash == nil {
		return nil, core.ErrInternal("hash", ErrWrongType)
	}
	return e, nil
}

// HashSet writes one hash field and renews the key ttl.
func (s *MemoryStore) HashSet(_ context.Context, key, field string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, true)
	if err != nil {
		return err
	}
	e.hash[field] = clone(value)
	if ttl > 0 {
		e.expiresAt = s.deadline(ttl)
	}
	return nil
}

// HashGet returns one hash field.
func (s *MemoryStore) HashGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	val, ok := e.hash[field]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(val), nil
}

func (s *MemoryStore) removeField(key string, e *memEntry, field string) {
	delete(e.hash, field)
	if len(e.hash) == 0 {
		delete(s.entries, key)
	}
}

// HashDelete removes one hash field.
func (s *MemoryStore) HashDelete(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, false)
	if err != nil || e == nil {
		return false, err
	}
	if _, ok := e.hash[field]; !ok {
		return false, nil
	}
	s.removeField(key, e, field)
	return true, nil
}

// HashCompareAndDelete removes a field only while it holds expected.
func (s *MemoryStore) HashCompareAndDelete(_ context.Context, key, field string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, false)
	if err != nil || e == nil {
		return false, err
	}
	val, ok := e.hash[field]
	if !ok || !bytes.Equal(val, expected) {
		return false, nil
	}
	s.removeField(key, e, field)
	return true, nil
}

// HashGetAll returns every field of the hash.
func (s *MemoryStore) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	if e == nil {
		return out, nil
	}
	for field, val := range e.hash {
		out[field] = clone(val)
	}
	return out, nil
}

// HashLen returns the field count of the hash.
func (s *MemoryStore) HashLen(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, false)
	if err != nil || e == nil {
		return 0, err
	}
	return len(e.hash), nil
}

// HashIncr adjusts a counter field.
func (s *MemoryStore) HashIncr(_ context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashEntry(key, true)
	if err != nil {
		return 0, err
	}
	var n int64
	if raw, ok := e.hash[field]; ok {
		n, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, core.ErrInternal("hincr", ErrWrongType)
		}
	}
	n += delta
	if n <= 0 {
		s.removeField(key, e, field)
		if len(e.hash) > 0 && ttl > 0 {
			e.expiresAt = s.deadline(ttl)
		}
		return 0, nil
	}
	e.hash[field] = []byte(strconv.FormatInt(n, 10))
	if ttl > 0 {
		e.expiresAt = s.deadline(ttl)
	}
	return n, nil
}

// Scan returns every live key matching pattern, sorted.
func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, core.ErrValidation("scan", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.entries {
		if s.live(key) != nil && g.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// DecrRelease decrements counter and clears r when it reaches zero.
func (s *MemoryStore) DecrRelease(_ context.Context, counter string, r Release) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, n, err := s.counter(counter)
	if err != nil {
		return 0, false, err
	}
	if n--; n > 0 {
		e.value = []byte(strconv.FormatInt(n, 10))
		return n, false, nil
	}
	delete(s.entries, counter)
	removed, err := s.release(r)
	return 0, removed, err
}

// ReleaseIfIdle clears r while counter is absent.
func (s *MemoryStore) ReleaseIfIdle(_ context.Context, counter string, r Release) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(counter) != nil {
		return false, false, nil
	}
	removed, err := s.release(r)
	return err == nil, removed, err
}

// release removes r. Callers hold s.mu.
func (s *MemoryStore) release(r Release) (bool, error) {
	for _, key := range r.Keys {
		delete(s.entries, key)
	}
	removed := false
	for i, key := range r.Hashes {
		e, err := s.hashEntry(key, false)
		if err != nil {
			return false, err
		}
		if e == nil {
			continue
		}
		if _, ok := e.hash[r.Field]; ok {
			s.removeField(key, e, r.Field)
			if i == 0 {
				removed = true
			}
		}
	}
	return removed, nil
}
