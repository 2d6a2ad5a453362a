// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/ratelimit"
	"github.com/roomcast/roomcast/pkg/errutil"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifySession(ctx context.Context, token string) (*core.Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Identity), args.Error(1)
}

type blockingVerifier struct{}

func (blockingVerifier) VerifySession(ctx context.Context, _ string) (*core.Identity, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, ratelimit.Policy) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis down")
}

func newGuard(t *testing.T, max int) *ratelimit.Guard {
	t.Helper()
	l := ratelimit.NewMemoryLimiter(time.Hour)
	t.Cleanup(l.Close)
	return ratelimit.NewGuard(l, ratelimit.Policy{
		Namespace: ratelimit.NamespaceConnect,
		Window:    time.Minute,
		Max:       max,
	}, ratelimit.FailClosed)
}

func TestGatekeeper_Admit(t *testing.T) {
	ctx := context.Background()
	ada := &core.Identity{UserID: "42", DisplayName: "Ada", Role: core.RoleMember}

	t.Run("admits valid credential", func(t *testing.T) {
		v := new(mockVerifier)
		v.On("VerifySession", mock.Anything, "tok").Return(ada, nil)

		g, err := auth.NewGatekeeper(v, newGuard(t, 5), auth.GatekeeperConfig{})
		require.NoError(t, err)

		adm, err := g.Admit(ctx, auth.Credentials{Token: "tok"})
		require.NoError(t, err)
		assert.Equal(t, *ada, adm.Identity)
		assert.Equal(t, core.Fingerprint("tok"), adm.Fingerprint)
	})

	t.Run("rejects missing credential without calling verifier", func(t *testing.T) {
		v := new(mockVerifier)
		g, err := auth.NewGatekeeper(v, newGuard(t, 5), auth.GatekeeperConfig{})
		require.NoError(t, err)

		_, err = g.Admit(ctx, auth.Credentials{})
		errutil.AssertErrorCode(t, err, core.CodeAuthInvalid)
		v.AssertNotCalled(t, "VerifySession", mock.Anything, mock.Anything)
	})

	t.Run("rejects unknown credential", func(t *testing.T) {
		v := new(mockVerifier)
		v.On("VerifySession", mock.Anything, "bad").Return(nil, nil)

		g, err := auth.NewGatekeeper(v, newGuard(t, 5), auth.GatekeeperConfig{})
		require.NoError(t, err)

		_, err = g.Admit(ctx, auth.Credentials{Token: "bad"})
		errutil.AssertErrorCode(t, err, core.CodeAuthInvalid)
	})

	t.Run("verifier outage is store unavailable", func(t *testing.T) {
		v := new(mockVerifier)
		v.On("VerifySession", mock.Anything, "tok").Return(nil, errors.New("db down"))

		g, err := auth.NewGatekeeper(v, newGuard(t, 5), auth.GatekeeperConfig{})
		require.NoError(t, err)

		_, err = g.Admit(ctx, auth.Credentials{Token: "tok"})
		errutil.AssertErrorCode(t, err, core.CodeStoreUnavailable)
	})

	t.Run("rate limits connections per user", func(t *testing.T) {
		v := new(mockVerifier)
		v.On("VerifySession", mock.Anything, "tok").Return(ada, nil)

		g, err := auth.NewGatekeeper(v, newGuard(t, 2), auth.GatekeeperConfig{})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = g.Admit(ctx, auth.Credentials{Token: "tok"})
			require.NoError(t, err)
		}
		_, err = g.Admit(ctx, auth.Credentials{Token: "tok"})
		errutil.AssertErrorCode(t, err, core.CodeRateLimited)
		assert.Positive(t, core.RetryAfter(err))
	})

	t.Run("limiter outage fails closed", func(t *testing.T) {
		v := new(mockVerifier)
		v.On("VerifySession", mock.Anything, "tok").Return(ada, nil)
		guard := ratelimit.NewGuard(brokenLimiter{}, ratelimit.Policy{
			Namespace: ratelimit.NamespaceConnect, Window: time.Minute, Max: 10,
		}, ratelimit.FailClosed)

		g, err := auth.NewGatekeeper(v, guard, auth.GatekeeperConfig{})
		require.NoError(t, err)

		_, err = g.Admit(ctx, auth.Credentials{Token: "tok"})
		errutil.AssertErrorCode(t, err, core.CodeStoreUnavailable)
	})

	t.Run("times out slow verification", func(t *testing.T) {
		g, err := auth.NewGatekeeper(blockingVerifier{}, newGuard(t, 5), auth.GatekeeperConfig{Timeout: 20 * time.Millisecond})
		require.NoError(t, err)

		start := time.Now()
		_, err = g.Admit(ctx, auth.Credentials{Token: "tok"})
		errutil.AssertErrorCode(t, err, core.CodeAdmissionTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestGatekeeper_ClientVersion(t *testing.T) {
	ctx := context.Background()
	v := new(mockVerifier)
	v.On("VerifySession", mock.Anything, "tok").Return(&core.Identity{UserID: "42"}, nil)

	g, err := auth.NewGatekeeper(v, newGuard(t, 100), auth.GatekeeperConfig{MinClientVersion: ">= 1.4.0"})
	require.NoError(t, err)

	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.4.0", false},
		{"2.0.1", false},
		{"", false},
		{"1.3.9", true},
		{"banana", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			_, err := g.Admit(ctx, auth.Credentials{Token: "tok", ClientVersion: tt.version})
			if tt.wantErr {
				errutil.AssertErrorCode(t, err, core.CodeClientUnsupported)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewGatekeeper_Validation(t *testing.T) {
	_, err := auth.NewGatekeeper(nil, newGuard(t, 1), auth.GatekeeperConfig{})
	assert.Error(t, err)

	_, err = auth.NewGatekeeper(new(mockVerifier), nil, auth.GatekeeperConfig{})
	assert.Error(t, err)

	_, err = auth.NewGatekeeper(new(mockVerifier), newGuard(t, 1), auth.GatekeeperConfig{MinClientVersion: "not a constraint !!"})
	assert.Error(t, err)
}
