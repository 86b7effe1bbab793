// Package memory provides an in-memory implementation of the OAuth storage
// interfaces.
//
// This package implements ClientStore, FlowStore, and TokenStore using Go maps
// under a single mutex, which makes the conditional check-and-mark operations
// (state consumption, code marking, refresh rotation) trivially atomic. It is
// suitable for development, testing, and single-instance deployments where
// persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Automatic cleanup of expired states, codes, and tokens on a timer
//   - Used codes and revoked tokens retained until expiry for replay detection
//
// For deployments requiring persistence or multiple instances, use
// storage/postgres or storage/redis instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, store, signer, config, logger)
package memory
