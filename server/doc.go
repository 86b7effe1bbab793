// Package server implements the OAuth 2.0 protocol logic: dynamic client
// registration, the authorization-code flow with PKCE, and token issuance
// with refresh rotation.
//
// The flow lifecycle is modeled as a guarded state machine (Initial,
// Authorized, Authenticated, Refreshable, Revoked); every transition checks
// its precondition and rejects anything else with ErrInvalidTransition. The
// single-use and rotation invariants are delegated to atomic conditional
// operations on the storage backends, so concurrent exchanges or refreshes
// of the same credential have exactly one winner.
package server
