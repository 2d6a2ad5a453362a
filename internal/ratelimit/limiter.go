// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package ratelimit implements sliding-window log rate limiting keyed by
// (namespace, identifier).
//
// The Redis limiter is shared by every engine instance. The memory limiter
// only limits per instance and exists for single-process deployments.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace for connection admission.
const NamespaceConnect = "connect"

// LiveNamespace returns the live chat namespace for a room. Live room ids
// already carry the "live:" prefix and are used as they are.
func LiveNamespace(roomID string) string {
	if strings.HasPrefix(roomID, livePrefix) {
		return roomID
	}
	return livePrefix + roomID
}

const livePrefix = "live:"

// Policy describes one limit: at most Max calls per trailing Window.
type Policy struct {
	Namespace string
	Window    time.Duration
	Max       int
}

// Result is the outcome of a single check.
type Result struct {
	Allowed           bool
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
}

// Limiter checks and records one call against a policy.
type Limiter interface {
	// Check trims the identifier's log to the policy window, then admits and
	// records the call when fewer than Max entries remain. Errors mean the
	// backing store could not be consulted.
	Check(ctx context.Context, identifier string, policy Policy) (Result, error)
}

// key returns the storage key for (namespace, identifier).
func key(namespace, identifier string) string {
	return "rl:" + namespace + ":" + identifier
}

// retryAfter returns whole seconds until oldest leaves the window, at least 1.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) int {
	secs := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// namespaceKind collapses per-room namespaces into a bounded label value.
func namespaceKind(namespace string) string {
	kind, _, _ := strings.Cut(namespace, ":")
	return kind
}

// Decision labels.
const (
	DecisionAllowed   = "allowed"
	DecisionRejected  = "rejected"
	DecisionFailOpen  = "fail_open"
	DecisionFailClose = "fail_closed"
)

// Decisions counts limiter outcomes.
var Decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_ratelimit_decisions_total",
		Help: "Rate limit decisions by namespace kind",
	},
	[]string{"namespace_kind", "decision"},
)

// RegisterMetrics registers rate limit metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Decisions)
}
