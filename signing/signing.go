// Package signing defines the token-signing collaborator contract and a local
// RS256 implementation. The authorization server never persists access
// tokens; it requests their creation here and publishes the verification keys
// as a JWKS.
package signing

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AccessTokenRequest carries the claims the server binds into an access token.
type AccessTokenRequest struct {
	UserID   string
	TenantID string
	ClientID string
	Scope    string
	TTL      time.Duration
}

// Signer is the external token-signing collaborator. Implementations hold the
// signing keys and their rotation lifecycle; this server only requests
// signatures and republishes the public key set.
type Signer interface {
	// Sign mints a signed access token for the given subject. The call must
	// respect ctx deadlines; the server invokes it with a bounded timeout.
	Sign(ctx context.Context, req AccessTokenRequest) (string, error)

	// PublicKeys returns the JWKS used to verify tokens minted by Sign.
	PublicKeys(ctx context.Context) (jwk.Set, error)
}
