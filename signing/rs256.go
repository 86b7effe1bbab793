package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// defaultKeyBits is the RSA modulus size for generated signing keys.
const defaultKeyBits = 2048

// RS256Signer is a local Signer implementation backed by a single RSA key.
// Deployments that sign out-of-process satisfy the Signer interface with a
// client for their signing service instead.
type RS256Signer struct {
	issuer string
	keyID  string
	key    *rsa.PrivateKey
}

var _ Signer = (*RS256Signer)(nil)

// NewRS256Signer creates a signer with a freshly generated RSA key.
// Suitable for development and tests; production loads a persisted key with
// NewRS256SignerFromPEM so tokens survive restarts.
func NewRS256Signer(issuer string) (*RS256Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, defaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return newRS256Signer(issuer, key)
}

// NewRS256SignerFromPEM creates a signer from a PKCS#1 or PKCS#8 encoded RSA
// private key.
func NewRS256SignerFromPEM(issuer string, pemBytes []byte) (*RS256Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 signing key: %w", err)
		}
		key = parsed
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 signing key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key is not RSA")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}

	return newRS256Signer(issuer, key)
}

// NewRS256SignerFromFile creates a signer from a PEM key file on disk.
func NewRS256SignerFromFile(issuer, path string) (*RS256Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %s: %w", path, err)
	}
	return NewRS256SignerFromPEM(issuer, pemBytes)
}

func newRS256Signer(issuer string, key *rsa.PrivateKey) (*RS256Signer, error) {
	keyID, err := thumbprintKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &RS256Signer{
		issuer: issuer,
		keyID:  keyID,
		key:    key,
	}, nil
}

// thumbprintKeyID derives a stable kid from the public key so verifiers can
// match tokens to JWKS entries across restarts with the same key.
func thumbprintKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:16]), nil
}

// Sign mints an RS256-signed JWT for the request.
func (s *RS256Signer) Sign(ctx context.Context, req AccessTokenRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.UserID == "" || req.ClientID == "" {
		return "", fmt.Errorf("user_id and client_id are required")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       s.issuer,
		"sub":       req.UserID,
		"tenant_id": req.TenantID,
		"client_id": req.ClientID,
		"scope":     req.Scope,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// PublicKeys returns the JWKS containing the signer's public key.
func (s *RS256Signer) PublicKeys(ctx context.Context) (jwk.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(&s.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, s.keyID); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return set, nil
}

// Verify parses and validates a token minted by this signer. Provided for
// resource servers embedding the library; the authorization server itself
// never needs to verify access tokens.
func (s *RS256Signer) Verify(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &s.key.PublicKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid access token claims")
	}
	return claims, nil
}
