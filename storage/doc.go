// Package storage provides interfaces and records for OAuth client, flow, and
// token persistence.
//
// The storage package defines the core storage interfaces used throughout the
// oauth-server library:
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages authorization state (CSRF records) and codes
//   - TokenStore: Manages refresh tokens and their rotation
//
// Every state-mutating read-then-write on a code, state, or refresh token is
// exposed as a single atomic operation (ConsumeAuthorizationState,
// AtomicCheckAndMarkAuthCodeUsed, RotateRefreshToken) so that concurrent
// requests can never double-spend a single-use credential.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage with conditional-update atomics
//   - storage/redis: Redis storage with Lua-script atomics
package storage
