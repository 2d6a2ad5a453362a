// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package auth admits connections to the engine.
//
// # Verifiers
//
// A Verifier turns a credential into an Identity:
//   - JWTVerifier - HS256 bearer tokens signed by the API layer
//   - SessionVerifier - opaque session tokens looked up by SHA-256 hash
//
// # Gatekeeper
//
// Gatekeeper.Admit runs the whole handshake under one deadline: client
// version gate, credential verification, then the connection rate limit.
// Nothing is allocated for a connection until Admit succeeds.
package auth
