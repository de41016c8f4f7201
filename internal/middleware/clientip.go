package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIdentifier extracts the identifier a request is rate limited and
// logged under. A configured identity header set by the edge runtime wins;
// otherwise X-Forwarded-For is honored only when the direct peer is a
// trusted proxy, and RemoteAddr is used as the last resort.
type ClientIdentifier struct {
	header  string
	trusted []netip.Prefix
}

// NewClientIdentifier creates a ClientIdentifier. Entries of
// trustedProxies may be CIDRs or single addresses; invalid entries are
// skipped.
func NewClientIdentifier(header string, trustedProxies []string) *ClientIdentifier {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, proxy := range trustedProxies {
		if p, err := netip.ParsePrefix(proxy); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(proxy); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return &ClientIdentifier{header: header, trusted: prefixes}
}

// Identify returns the client identifier of r.
func (c *ClientIdentifier) Identify(r *http.Request) string {
	if c.header != "" {
		if v := strings.TrimSpace(r.Header.Get(c.header)); v != "" {
			return v
		}
	}
	return c.ClientIP(r)
}

// OriginIP returns the address of the original client. The identity header
// wins when it carries an IP address.
func (c *ClientIdentifier) OriginIP(r *http.Request) string {
	if c.header != "" {
		v := strings.TrimSpace(r.Header.Get(c.header))
		if _, err := netip.ParseAddr(v); err == nil {
			return v
		}
	}
	return c.ClientIP(r)
}

// ClientIP returns the client address of r, walking X-Forwarded-For
// right-to-left past trusted proxies.
func (c *ClientIdentifier) ClientIP(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(c.trusted) == 0 || !c.isTrusted(remoteIP) {
		return remoteIP
	}

	xff := r.Header.Get(HeaderXForwardedFor)
	if xff == "" {
		return remoteIP
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip == "" {
			continue
		}
		if !c.isTrusted(ip) {
			return ip
		}
	}
	return remoteIP
}

func (c *ClientIdentifier) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// stripPort removes the port from an address string.
// Handles both IPv4 ("192.168.1.1:8080") and IPv6 ("[::1]:8080") formats.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
