// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package ratelimit

import (
	"context"
	"log/slog"

	"github.com/roomcast/roomcast/internal/core"
)

// FailurePolicy decides what happens when the limiter cannot be consulted.
type FailurePolicy int

const (
	// FailOpen admits the call and logs a warning.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the call with STORE_UNAVAILABLE.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// Guard turns limiter results into errors under a fixed policy.
type Guard struct {
	limiter Limiter
	policy  Policy
	failure FailurePolicy
}

// NewGuard binds limiter to policy with the given failure mode.
func NewGuard(limiter Limiter, policy Policy, failure FailurePolicy) *Guard {
	return &Guard{limiter: limiter, policy: policy, failure: failure}
}

// Allow enforces the guard's policy for identifier.
func (g *Guard) Allow(ctx context.Context, identifier string) error {
	return g.AllowIn(ctx, g.policy.Namespace, identifier)
}

// AllowIn enforces the guard's window and limit under a different namespace,
// used for per-room policies such as live chat.
func (g *Guard) AllowIn(ctx context.Context, namespace, identifier string) error {
	policy := g.policy
	policy.Namespace = namespace
	kind := namespaceKind(namespace)

	res, err := g.limiter.Check(ctx, identifier, policy)
	if err != nil {
		if g.failure == FailClosed {
			Decisions.WithLabelValues(kind, DecisionFailClose).Inc()
			slog.WarnContext(ctx, "rate limiter unavailable, rejecting",
				"namespace", namespace, "identifier", identifier, "error", err)
			if core.IsCode(err, core.CodeStoreUnavailable) {
				return err
			}
			return core.ErrStoreUnavailable("ratelimit check", err)
		}
		Decisions.WithLabelValues(kind, DecisionFailOpen).Inc()
		slog.WarnContext(ctx, "rate limiter unavailable, allowing",
			"namespace", namespace, "identifier", identifier, "error", err)
		return nil
	}

	if !res.Allowed {
		Decisions.WithLabelValues(kind, DecisionRejected).Inc()
		return core.ErrRateLimited(namespace, res.RetryAfterSeconds)
	}
	Decisions.WithLabelValues(kind, DecisionAllowed).Inc()
	return nil
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy {
	return g.policy
}
