package fingerprint

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Headers checked for the client address, most trusted proxy first.
// Forwarded (RFC 7239) is checked after all of them.
var ipHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
}

// ClientIP returns the address of the direct peer.
// Behind a reverse proxy put middleware.RealIP in front so this is the originating client.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip, ok := parseIP(host); ok {
		return ip
	}
	return host
}

// Proxies are the peers whose forwarding headers are believed
type Proxies []netip.Prefix

// ParseProxies accepts addresses and CIDR prefixes
func ParseProxies(list []string) (Proxies, error) {
	var p Proxies
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		if strings.Contains(s, "/") {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
			}
			p = append(p, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		addr = addr.Unmap()
		p = append(p, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return p, nil
}

func (p Proxies) Trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the originating client address of the request.
// Forwarding headers are read only when the direct peer is a trusted proxy,
// anyone else could put any address there.
func (p Proxies) ClientIP(r *http.Request) string {
	peer := ClientIP(r)
	if !p.Trusts(peer) {
		return peer
	}

	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			if ip, ok := p.lastUntrusted(strings.Split(v, ",")); ok {
				return ip
			}
			continue
		}
		if ip, ok := parseIP(v); ok {
			return ip
		}
	}

	if ip, ok := p.lastUntrusted(forwardedFor(r.Header.Get("Forwarded"))); ok {
		return ip
	}
	return peer
}

// lastUntrusted walks a proxy chain from the nearest hop and returns the first address
// that is not a trusted proxy. Proxies append to the chain, so entries left of it may be forged.
func (p Proxies) lastUntrusted(chain []string) (string, bool) {
	var farthest string
	for i := len(chain) - 1; i >= 0; i-- {
		ip, ok := parseIP(chain[i])
		if !ok {
			continue
		}
		if !p.Trusts(ip) {
			return ip, true
		}
		farthest = ip
	}
	return farthest, farthest != ""
}

// forwardedFor extracts the for= values of RFC 7239 Forwarded header, one per element
func forwardedFor(header string) []string {
	if header == "" {
		return nil
	}

	var chain []string
	for element := range strings.SplitSeq(header, ",") {
		for pair := range strings.SplitSeq(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(key, "for") {
				continue
			}
			value = strings.Trim(value, `"`)
			if strings.HasPrefix(value, "[") {
				value = strings.TrimPrefix(value, "[")
				value, _, _ = strings.Cut(value, "]")
			} else if host, _, err := net.SplitHostPort(value); err == nil {
				value = host
			}
			chain = append(chain, value)
		}
	}
	return chain
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
