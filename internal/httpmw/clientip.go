package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// unknownAddr is reported when the peer address cannot be parsed.
const unknownAddr = "0.0.0.0"

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies between the client and
	// this server. 0 ignores X-Forwarded-For, 1 takes the rightmost entry
	// (a single load balancer), 2 the second from the right (CDN + LB).
	TrustedHops int
}

// ClientIP resolves the client address with TrustedHops=0.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context. The rate limiter keys on this value, so it is canonical:
// IPv4-mapped IPv6 is unmapped and zones are dropped.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientAddr trusts forwarding headers only when the peer is on a
// private or loopback network and hops are configured. In every other case
// the headers are stripped so nothing downstream can be fooled by them.
func resolveClientAddr(r *http.Request, trustedHops int) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		stripForwarded(r)
		return unknownAddr
	}
	if trustedHops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		stripForwarded(r)
		return peer.String()
	}

	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return peer.String()
	}
	// repeated headers are one logical list
	parts := strings.Split(strings.Join(xff, ","), ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies: misconfigured or forged
		stripForwarded(r)
		return peer.String()
	}
	if ip, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return canonical(ip).String()
	}
	return peer.String()
}

// parseAddr accepts "ip:port" or a bare IP.
func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return canonical(ap.Addr()), true
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		return canonical(ip), true
	}
	return netip.Addr{}, false
}

func canonical(ip netip.Addr) netip.Addr {
	return ip.Unmap().WithZone("")
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
