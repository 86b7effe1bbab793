package server

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestRegisterClient(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, RegistrationRequest{
		RedirectURIs: []string{testRedirectURI, "http://127.0.0.1:8484/callback"},
		ClientName:   "Example App",
		ClientURI:    "https://app.example.com",
		Scope:        "read write",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" {
		t.Error("client_id is empty")
	}
	if secret == "" {
		t.Error("client secret is empty")
	}
	if client.ClientSecretHash == secret {
		t.Error("stored secret is not hashed")
	}

	// Omitted grant and response types get the RFC 7591 defaults
	if !reflect.DeepEqual(client.GrantTypes, defaultGrantTypes) {
		t.Errorf("GrantTypes = %v, want %v", client.GrantTypes, defaultGrantTypes)
	}
	if !reflect.DeepEqual(client.ResponseTypes, defaultResponseTypes) {
		t.Errorf("ResponseTypes = %v, want %v", client.ResponseTypes, defaultResponseTypes)
	}

	// The returned plaintext secret verifies against the stored hash
	if err := store.ValidateClientSecret(ctx, client.ClientID, secret); err != nil {
		t.Errorf("ValidateClientSecret() with issued secret error = %v", err)
	}
	if err := store.ValidateClientSecret(ctx, client.ClientID, "wrong"); err == nil {
		t.Error("ValidateClientSecret() accepted a wrong secret")
	}
}

func TestRegisterClientExplicitTypes(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	client, _, err := srv.RegisterClient(context.Background(), RegistrationRequest{
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(client.GrantTypes, []string{"authorization_code"}) {
		t.Errorf("GrantTypes = %v", client.GrantTypes)
	}
}

func TestRegisterClientRedirectRejections(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		uris []string
	}{
		{"no redirect URIs", nil},
		{"plain http on public host", []string{"http://app.example.com/callback"}},
		{"fragment", []string{"https://app.example.com/callback#frag"}},
		{"missing scheme", []string{"app.example.com/callback"}},
		{"custom scheme without allowlist", []string{"myapp://callback"}},
		{"one bad URI poisons the set", []string{testRedirectURI, "http://app.example.com/cb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.RegisterClient(ctx, RegistrationRequest{RedirectURIs: tt.uris}, "")
			if !errors.Is(err, ErrInvalidRedirectURI) {
				t.Errorf("error = %v, want ErrInvalidRedirectURI", err)
			}
		})
	}
}

func TestDeregisterClient(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	if err := srv.DeregisterClient(ctx, client.ClientID, ""); err != nil {
		t.Fatalf("DeregisterClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, client.ClientID); err == nil {
		t.Error("client still present after deregistration")
	}

	if err := srv.DeregisterClient(ctx, client.ClientID, ""); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("second deregistration error = %v, want ErrInvalidClient", err)
	}
}
