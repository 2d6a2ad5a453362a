// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/ratelimit"
)

// DefaultAdmissionTimeout bounds the whole handshake.
const DefaultAdmissionTimeout = 3 * time.Second

// Credentials is what a client presents when connecting.
type Credentials struct {
	Token         string
	ClientVersion string
}

// Admission is the result of a successful handshake.
type Admission struct {
	Identity    core.Identity
	Fingerprint string
}

// GatekeeperConfig configures admission.
type GatekeeperConfig struct {
	// Timeout bounds Admit. Defaults to DefaultAdmissionTimeout.
	Timeout time.Duration
	// MinClientVersion is a semver constraint such as ">= 1.4.0". Empty
	// disables the gate. Clients that send no version are not gated.
	MinClientVersion string
}

// Gatekeeper admits or rejects connections.
type Gatekeeper struct {
	verifier   Verifier
	guard      *ratelimit.Guard
	constraint *semver.Constraints
	timeout    time.Duration
}

// Admissions counts handshake outcomes.
var Admissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_admissions_total",
		Help: "Connection admission outcomes",
	},
	[]string{"result"},
)

// RegisterMetrics registers admission metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Admissions)
}

// NewGatekeeper creates a gatekeeper. guard enforces the connect policy and
// should be configured to fail closed.
func NewGatekeeper(verifier Verifier, guard *ratelimit.Guard, cfg GatekeeperConfig) (*Gatekeeper, error) {
	if verifier == nil {
		return nil, core.ErrNilDependency("verifier")
	}
	if guard == nil {
		return nil, core.ErrNilDependency("connect rate limit guard")
	}

	g := &Gatekeeper{
		verifier: verifier,
		guard:    guard,
		timeout:  cfg.Timeout,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultAdmissionTimeout
	}
	if c := strings.TrimSpace(cfg.MinClientVersion); c != "" {
		constraint, err := semver.NewConstraint(c)
		if err != nil {
			return nil, oops.Code(core.CodeInternal).
				With("constraint", c).
				Wrapf(err, "invalid min_client_version")
		}
		g.constraint = constraint
	}
	return g, nil
}

type admitResult struct {
	admission Admission
	err       error
}

// Admit runs the handshake. The returned error carries one of the codes
// AUTH_INVALID, CLIENT_UNSUPPORTED, RATE_LIMITED, STORE_UNAVAILABLE or
// ADMISSION_TIMEOUT.
func (g *Gatekeeper) Admit(ctx context.Context, creds Credentials) (Admission, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan admitResult, 1)
	go func() {
		a, err := g.admit(ctx, creds)
		done <- admitResult{admission: a, err: err}
	}()

	var res admitResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if errors.Is(res.err, context.DeadlineExceeded) {
		res.err = core.ErrAdmissionTimeout(g.timeout)
	}
	if res.err != nil {
		Admissions.WithLabelValues(strings.ToLower(core.ErrorCode(res.err))).Inc()
		slog.InfoContext(ctx, "connection rejected",
			"code", core.ErrorCode(res.err),
			"fingerprint", core.Fingerprint(creds.Token),
			"error", res.err)
		return Admission{}, res.err
	}
	Admissions.WithLabelValues("admitted").Inc()
	return res.admission, nil
}

func (g *Gatekeeper) admit(ctx context.Context, creds Credentials) (Admission, error) {
	if err := g.checkVersion(creds.ClientVersion); err != nil {
		return Admission{}, err
	}

	if strings.TrimSpace(creds.Token) == "" {
		return Admission{}, core.ErrAuthInvalid("missing credential")
	}
	identity, err := g.verifier.VerifySession(ctx, creds.Token)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Admission{}, ctxErr
		}
		if core.IsCode(err, core.CodeStoreUnavailable) {
			return Admission{}, err
		}
		return Admission{}, core.ErrStoreUnavailable("verify session", err)
	}
	if identity == nil || identity.IsZero() {
		return Admission{}, core.ErrAuthInvalid("invalid or expired credential")
	}

	if err := g.guard.Allow(ctx, identity.UserID); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Admission{}, ctxErr
		}
		return Admission{}, err
	}

	return Admission{
		Identity:    *identity,
		Fingerprint: core.Fingerprint(creds.Token),
	}, nil
}

func (g *Gatekeeper) checkVersion(raw string) error {
	if g.constraint == nil || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := semver.NewVersion(strings.TrimSpace(raw))
	if err != nil || !g.constraint.Check(v) {
		return core.ErrClientUnsupported(raw, g.constraint.String())
	}
	return nil
}
