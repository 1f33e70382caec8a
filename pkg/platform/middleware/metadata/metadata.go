package metadata

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"auditchain/pkg/requestcontext"
)

// MaxForwardedHeaderLength bounds X-Forwarded-For / X-Real-IP before parsing.
const MaxForwardedHeaderLength = 500

// MaxUserAgentLength bounds the User-Agent stored on audit entries.
const MaxUserAgentLength = 512

// Middleware resolves the client address and User-Agent that audit entries
// record. Forwarding headers are honoured only from trusted proxies.
type Middleware struct {
	trusted []netip.Prefix
}

func NewMiddleware(trustedProxies []netip.Prefix) *Middleware {
	return &Middleware{trusted: trustedProxies}
}

// ParseTrustedProxies parses a comma separated CIDR list. Bare addresses are
// accepted as single-host prefixes.
func ParseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent := r.Header.Get("User-Agent")
		if len(userAgent) > MaxUserAgentLength {
			userAgent = userAgent[:MaxUserAgentLength]
		}
		ctx := requestcontext.WithClientMetadata(r.Context(), m.clientIP(r), userAgent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) clientIP(r *http.Request) string {
	remote := remoteAddr(r.RemoteAddr)
	if !remote.IsValid() {
		return "unknown"
	}
	if !m.isTrusted(remote) {
		return remote.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if len(xff) > MaxForwardedHeaderLength {
			return remote.String()
		}
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap().String()
		}
		return remote.String()
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && len(xri) <= MaxForwardedHeaderLength {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap().String()
		}
	}
	return remote.String()
}

func (m *Middleware) isTrusted(addr netip.Addr) bool {
	for _, prefix := range m.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(raw string) netip.Addr {
	host, _, err := net.SplitHostPort(raw)
	if err != nil {
		host = raw
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
