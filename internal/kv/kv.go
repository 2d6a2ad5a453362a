// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package kv provides the distributed key-value contract the engine keeps its
// shared state in, with a Redis implementation and an in-memory one.
//
// Every mutation is a single atomic primitive on the backing store. Callers
// never read-modify-write across calls.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the shared state contract. Implementations must be safe for
// concurrent use by many goroutines and many processes.
type Store interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value at key. A zero ttl stores without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Expire sets the ttl on an existing key. Missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr increments the integer at key and renews its ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr decrements the integer at key. The key is removed once the value
	// drops to zero and the returned value is never negative.
	Decr(ctx context.Context, key string) (int64, error)

	// HashSet writes one field of the hash at key and renews the key ttl.
	HashSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) error
	// HashGet returns one field or ErrNotFound.
	HashGet(ctx context.Context, key, field string) ([]byte, error)
	// HashDelete removes a field and reports whether it existed.
	HashDelete(ctx context.Context, key, field string) (bool, error)
	// HashCompareAndDelete removes a field only while it still holds expected.
	HashCompareAndDelete(ctx context.Context, key, field string, expected []byte) (bool, error)
	// HashGetAll returns every field of the hash. Missing keys yield an empty map.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// HashLen returns the number of fields in the hash.
	HashLen(ctx context.Context, key string) (int, error)
	// HashIncr adds delta to a counter field and returns the new value. A
	// field that drops to zero or below is removed, and the key ttl is
	// renewed whenever the hash is non-empty afterwards.
	HashIncr(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)

	// Scan returns every key matching a glob-style pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// DecrRelease decrements counter. When it reaches zero the counter and
	// everything named by r are removed in the same atomic step. Returns the
	// new value and whether r.Field was present in the first of r.Hashes.
	DecrRelease(ctx context.Context, counter string, r Release) (int64, bool, error)
	// ReleaseIfIdle removes everything named by r in one atomic step, but
	// only while counter is absent. Reports whether the removal ran and
	// whether r.Field was present in the first of r.Hashes.
	ReleaseIfIdle(ctx context.Context, counter string, r Release) (cleared, removed bool, err error)
}

// Release names the state owned by a reference counter: plain keys and one
// field in each of several hashes.
type Release struct {
	Keys   []string
	Hashes []string
	Field  string
}

// ErrWrongType is returned when an operation targets a key holding another kind of value.
var ErrWrongType = errors.New("kv: wrong value type")
