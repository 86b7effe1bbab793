package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// X-Forwarded-For and X-Real-IP are only consulted when trustProxy is set;
// otherwise the direct connection address is used, which prevents spoofed
// forwarding headers from bypassing IP-keyed rate limits.
//
// X-Forwarded-For format is "client, proxy1, proxy2, ...". Each trusted proxy
// appends one entry for the address it accepted the connection from, so the
// rightmost trustedProxyCount entries are proxy-appended and the first of
// those, ips[len(ips)-trustedProxyCount], is the client as seen by the
// outermost trusted proxy. Anything left of it is client-supplied and ignored.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}
