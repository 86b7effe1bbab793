package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfit/oauth-server/storage"
)

// ErrInvalidTransition is returned when a flow operation is attempted from a
// state that does not satisfy its precondition.
var ErrInvalidTransition = errors.New("invalid flow transition")

// FlowState is the lifecycle tag of an authorization flow. Transitions are
// guarded at runtime: every transition method checks the current tag against
// its precondition and rejects anything else, so an illegal sequence (e.g.
// exchanging a code before one was issued) fails deterministically instead of
// corrupting state.
type FlowState int

const (
	// StateInitial: flow begun, no code issued yet
	StateInitial FlowState = iota

	// StateAuthorized: authorization code issued, not yet exchanged
	StateAuthorized

	// StateAuthenticated: access and refresh tokens issued
	StateAuthenticated

	// StateRefreshable: access token expired, refresh token still valid
	StateRefreshable

	// StateRevoked: terminal; the flow's tokens are no longer usable
	StateRevoked
)

// String returns the state name for logging.
func (s FlowState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAuthorized:
		return "authorized"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshable:
		return "refreshable"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Flow carries one authorization flow through its lifecycle. The persisted
// records (state row, code row, refresh token row) are the durable source of
// truth; Flow ties them together and enforces transition ordering.
type Flow struct {
	State FlowState

	ClientID    string
	RedirectURI string
	Scope       string
	UserID      string
	TenantID    string

	// Authorized
	Code          string
	CodeExpiresAt time.Time

	// Authenticated / Refreshable
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// NewFlow starts a flow in the Initial state.
func NewFlow(clientID, redirectURI, scope string) *Flow {
	return &Flow{
		State:       StateInitial,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
	}
}

// flowFromCode reconstructs an Authorized flow from a persisted code record.
func flowFromCode(code *storage.AuthorizationCode) *Flow {
	return &Flow{
		State:         StateAuthorized,
		ClientID:      code.ClientID,
		RedirectURI:   code.RedirectURI,
		Scope:         code.Scope,
		UserID:        code.UserID,
		TenantID:      code.TenantID,
		Code:          code.Code,
		CodeExpiresAt: code.ExpiresAt,
	}
}

// flowFromRefreshToken reconstructs a Refreshable flow from a persisted
// refresh token record. A presented refresh token implies the prior access
// token is being replaced, so the flow re-enters through Refreshable.
func flowFromRefreshToken(token *storage.RefreshToken) *Flow {
	return &Flow{
		State:        StateRefreshable,
		ClientID:     token.ClientID,
		Scope:        token.Scope,
		UserID:       token.UserID,
		TenantID:     token.TenantID,
		RefreshToken: token.Token,
	}
}

// guard rejects the transition unless the current state is one of the allowed
// preconditions.
func (f *Flow) guard(op string, allowed ...FlowState) error {
	for _, state := range allowed {
		if f.State == state {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not permitted in state %s", ErrInvalidTransition, op, f.State)
}

// Authorize records an issued authorization code: Initial -> Authorized.
func (f *Flow) Authorize(userID, tenantID, code string, expiresAt time.Time) error {
	if err := f.guard("authorize", StateInitial); err != nil {
		return err
	}
	f.UserID = userID
	f.TenantID = tenantID
	f.Code = code
	f.CodeExpiresAt = expiresAt
	f.State = StateAuthorized
	return nil
}

// Authenticate records issued tokens after a code exchange:
// Authorized -> Authenticated.
func (f *Flow) Authenticate(accessToken, refreshToken string, expiresAt time.Time) error {
	if err := f.guard("authenticate", StateAuthorized); err != nil {
		return err
	}
	f.AccessToken = accessToken
	f.RefreshToken = refreshToken
	f.AccessExpiresAt = expiresAt
	f.Code = ""
	f.State = StateAuthenticated
	return nil
}

// NeedsRefresh moves an Authenticated flow whose access token has expired to
// Refreshable. Refusing the transition while the access token is still live
// keeps refresh traffic from replacing perfectly valid tokens.
func (f *Flow) NeedsRefresh() error {
	if err := f.guard("needs_refresh", StateAuthenticated); err != nil {
		return err
	}
	if f.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token on flow", ErrInvalidTransition)
	}
	if time.Now().Before(f.AccessExpiresAt) {
		return fmt.Errorf("%w: access token not yet expired", ErrInvalidTransition)
	}
	f.AccessToken = ""
	f.State = StateRefreshable
	return nil
}

// Refresh records a rotated token pair: Authenticated/Refreshable -> Authenticated.
func (f *Flow) Refresh(accessToken, refreshToken string, expiresAt time.Time) error {
	if err := f.guard("refresh", StateAuthenticated, StateRefreshable); err != nil {
		return err
	}
	if f.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token on flow", ErrInvalidTransition)
	}
	f.AccessToken = accessToken
	f.RefreshToken = refreshToken
	f.AccessExpiresAt = expiresAt
	f.State = StateAuthenticated
	return nil
}

// Revoke terminates the flow from any live state.
func (f *Flow) Revoke() error {
	if err := f.guard("revoke", StateInitial, StateAuthorized, StateAuthenticated, StateRefreshable); err != nil {
		return err
	}
	f.AccessToken = ""
	f.RefreshToken = ""
	f.Code = ""
	f.State = StateRevoked
	return nil
}
