// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"errors"
	"math"
	"time"

	"github.com/samber/oops"
)

// Error codes shared by every engine component. Handlers convert failures into
// one of these before anything becomes visible to a client.
const (
	CodeValidation        = "VALIDATION"
	CodeAuthInvalid       = "AUTH_INVALID"
	CodeForbidden         = "FORBIDDEN"
	CodeRateLimited       = "RATE_LIMITED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeAdmissionTimeout  = "ADMISSION_TIMEOUT"
	CodeClientUnsupported = "CLIENT_UNSUPPORTED"
	CodeInternal          = "INTERNAL"
)

// ErrValidation creates an error for a malformed or missing payload field.
func ErrValidation(event, detail string) error {
	return oops.Code(CodeValidation).
		With("event", event).
		With("detail", detail).
		Errorf("invalid payload for %s: %s", event, detail)
}

// ErrAuthInvalid creates an error for a rejected credential.
func ErrAuthInvalid(reason string) error {
	return oops.Code(CodeAuthInvalid).
		With("reason", reason).
		Errorf("authentication failed: %s", reason)
}

// ErrForbidden creates an error for an identity acting outside its rights.
func ErrForbidden(action, resource string) error {
	return oops.Code(CodeForbidden).
		With("action", action).
		With("resource", resource).
		Errorf("not allowed to %s %s", action, resource)
}

// ErrRateLimited creates an error carrying the client backoff hint.
func ErrRateLimited(namespace string, retryAfter int) error {
	return oops.Code(CodeRateLimited).
		With("namespace", namespace).
		With("retry_after_seconds", retryAfter).
		Errorf("rate limit exceeded for %s, retry in %ds", namespace, retryAfter)
}

// ErrStoreUnavailable wraps a transient shared-store or transport failure.
func ErrStoreUnavailable(operation string, cause error) error {
	return oops.Code(CodeStoreUnavailable).
		With("operation", operation).
		Wrap(cause)
}

// ErrAdmissionTimeout creates an error for a handshake that took too long.
func ErrAdmissionTimeout(limit time.Duration) error {
	return oops.Code(CodeAdmissionTimeout).
		With("timeout", limit.String()).
		Errorf("connection admission exceeded %s", limit)
}

// ErrClientUnsupported creates an error for a client below the minimum version.
func ErrClientUnsupported(version, constraint string) error {
	return oops.Code(CodeClientUnsupported).
		With("client_version", version).
		With("constraint", constraint).
		Errorf("client version %q does not satisfy %q", version, constraint)
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(operation string, cause error) error {
	return oops.Code(CodeInternal).
		With("operation", operation).
		Wrap(cause)
}

// ErrorCode returns the oops code of err, or CodeInternal for uncoded errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return CodeInternal
	}
	if code, ok := oopsErr.Code().(string); ok && code != "" {
		return code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// RetryAfter extracts the retry hint in seconds from a rate limit error.
// Returns 0 when err carries none.
func RetryAfter(err error) int {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0
	}
	switch v := oopsErr.Context()["retry_after_seconds"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Ceil(v))
	default:
		return 0
	}
}

// ClientMessage extracts a client-facing message from an error.
func ClientMessage(err error) string {
	if err == nil {
		return "Something went wrong."
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "Something went wrong."
	}

	switch ErrorCode(err) {
	case CodeValidation:
		if detail, ok := oopsErr.Context()["detail"].(string); ok && detail != "" {
			return "Invalid request: " + detail
		}
		return "Invalid request."
	case CodeAuthInvalid:
		return "Authentication required."
	case CodeForbidden:
		return "You are not allowed to do that."
	case CodeRateLimited:
		return "Too many requests. Please slow down."
	case CodeStoreUnavailable:
		return "Service temporarily unavailable. Try again shortly."
	case CodeAdmissionTimeout:
		return "Connection timed out."
	case CodeClientUnsupported:
		return "Client version not supported. Please update."
	default:
		return "Something went wrong."
	}
}

// errNilDependency is returned by constructors given a nil collaborator.
var errNilDependency = errors.New("nil dependency")

// ErrNilDependency reports a missing constructor argument.
func ErrNilDependency(name string) error {
	return oops.Code(CodeInternal).With("dependency", name).Wrap(errNilDependency)
}
