package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/openfit/oauth-server/storage"
)

// ValidateRedirectURIsForRegistration enforces the registration scheme policy
// on a client's proposed redirect URIs:
//   - at least one URI is required
//   - each URI must parse as an absolute URI without a fragment
//   - https is always permitted
//   - http is permitted for loopback hosts only (RFC 8252 native clients)
//   - other schemes must appear in the configured allowlist
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidRedirectURI)
	}

	for _, uri := range redirectURIs {
		if err := s.validateRedirectURIScheme(uri); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) validateRedirectURIScheme(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: malformed redirect_uri %q", ErrInvalidRedirectURI, uri)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("%w: redirect_uri %q missing scheme", ErrInvalidRedirectURI, uri)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("%w: redirect_uri %q must not contain a fragment", ErrInvalidRedirectURI, uri)
	}

	// RFC 3986: schemes are case-insensitive
	scheme := strings.ToLower(parsed.Scheme)

	switch scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("%w: http redirect_uri %q is only permitted for loopback hosts", ErrInvalidRedirectURI, uri)
	default:
		for _, allowed := range s.Config.AllowedRedirectSchemes {
			if scheme == strings.ToLower(allowed) {
				return nil
			}
		}
		return fmt.Errorf("%w: scheme %q is not permitted", ErrInvalidRedirectURI, scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI checks that uri is a byte-exact member of the client's
// registered set. Exact matching only: a trailing slash is a mismatch.
func (s *Server) validateRedirectURI(client *storage.Client, uri string) error {
	if uri == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	if !client.HasRedirectURI(uri) {
		return fmt.Errorf("redirect_uri is not registered for this client")
	}
	return nil
}

// validateScopes checks the requested scope string against the supported set.
// An empty SupportedScopes config allows everything.
func (s *Server) validateScopes(scope string) error {
	if scope == "" || len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	supported := make(map[string]bool, len(s.Config.SupportedScopes))
	for _, sc := range s.Config.SupportedScopes {
		supported[sc] = true
	}

	for _, requested := range strings.Fields(scope) {
		if !supported[requested] {
			return fmt.Errorf("scope %q is not supported", requested)
		}
	}
	return nil
}
