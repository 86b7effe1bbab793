// Package pkce implements Proof Key for Code Exchange (RFC 7636): computing
// code challenges from verifiers and verifying them at token exchange.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Code challenge methods per RFC 7636 Section 4.2.
const (
	// MethodS256 is the SHA-256 transformation (the only method RFC 7636 requires)
	MethodS256 = "S256"

	// MethodPlain sends the verifier as its own challenge. Deprecated in
	// OAuth 2.1; only accepted when the server explicitly allows it.
	MethodPlain = "plain"
)

// RFC 7636 Section 4.1: code_verifier length bounds.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// ValidMethod reports whether method is a recognized challenge method.
func ValidMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}

// Challenge computes the S256 code challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// Verify checks a code_verifier against the stored challenge.
// For S256 the recomputed challenge must equal the stored one; for plain the
// verifier itself must equal it. Comparisons are constant-time so a mismatch
// reveals nothing about the stored challenge.
func Verify(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE bound to this grant
		return nil
	}

	if err := ValidateVerifier(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case MethodS256:
		computed = Challenge(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// ValidateVerifier enforces the RFC 7636 verifier grammar: 43-128 characters
// drawn from [A-Za-z0-9-._~]. Rejecting anything else keeps null bytes,
// control characters, and non-ASCII out of the comparison path.
func ValidateVerifier(verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxVerifierLength)
	}

	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}
