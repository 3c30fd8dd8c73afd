// Package authhttp guards plain net/http handlers.
package authhttp

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/PaulFidika/clinicauth/guard"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
)

// Option configures Middleware.
type Option func(*options)

type options struct {
	trusted []netip.Prefix
}

// WithTrustedProxies honours X-Forwarded-For only when the direct peer falls
// in one of prefixes. Without it the peer address is always used, so clients
// cannot choose the IP the failure limiter and audit trail see.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(o *options) { o.trusted = append(o.trusted, prefixes...) }
}

// ParseTrustedProxies accepts IP addresses and CIDR ranges.
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Middleware verifies the bearer token and, when action is non-empty, checks
// it against policy before calling next. Verified claims are available to next
// through ClaimsFromContext.
func Middleware(g *guard.Guard, action string, opts ...Option) func(http.Handler) http.Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := g.Authorize(r.Context(), guard.Request{
				Header:  r.Header.Get("Authorization"),
				Action:  action,
				IP:      clientIP(r, o.trusted),
				Details: map[string]any{"method": r.Method, "route": r.URL.Path},
			})
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(jwtkit.ContextWithClaims(r.Context(), claims)))
		})
	}
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(r *http.Request) (*jwtkit.Claims, bool) {
	return jwtkit.ClaimsFromContext(r.Context())
}

func writeError(w http.ResponseWriter, err error) {
	status := guard.StatusCode(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="clinicauth"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": guard.PublicMessage(err)})
}

// clientIP returns the peer address unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop that is not a
// trusted proxy wins.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil || !isTrusted(addr, trusted) {
		return peer
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		a, err := netip.ParseAddr(hop)
		if err != nil {
			return peer
		}
		if !isTrusted(a, trusted) || i == 0 {
			return a.Unmap().String()
		}
	}
	return peer
}

func isTrusted(a netip.Addr, trusted []netip.Prefix) bool {
	a = a.Unmap()
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
