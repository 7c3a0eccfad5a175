// Package blocklist decides which hosts the crawler must never visit.
package blocklist

import (
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// List matches hosts exactly, by wildcard suffix ("*.internal", ".corp") or by network
// ("127.0.0.0/8", "fc00::/7"). Exact and suffix entries match the URL host; networks also
// match the address a hostname resolves to, see AddrBlocked. A nil List blocks nothing.
type List struct {
	exact    map[string]struct{}
	suffixes []string
	prefixes []netip.Prefix
}

// New compiles patterns into a List. Malformed networks are ignored. It returns nil when
// no usable pattern remains.
func New(patterns []string) *List {
	l := &List{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.Contains(value, "/"):
			if prefix, err := netip.ParsePrefix(value); err == nil {
				l.prefixes = append(l.prefixes, prefix.Masked())
			}
		case strings.HasPrefix(value, "*."):
			l.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			l.addSuffix(strings.TrimPrefix(value, "."))
		default:
			if addr, ok := parseAddr(value); ok {
				value = addr.String()
			}
			l.exact[value] = struct{}{}
		}
	}
	if len(l.exact) == 0 && len(l.suffixes) == 0 && len(l.prefixes) == 0 {
		return nil
	}
	return l
}

func (l *List) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

// HostBlocked reports whether host (without port) is covered by the list. IP literals,
// including shorthand IPv4 forms such as "127.1", are matched in canonical form.
func (l *List) HostBlocked(host string) bool {
	if l == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if addr, ok := parseAddr(host); ok {
		if _, hit := l.exact[addr.String()]; hit {
			return true
		}
		return l.AddrBlocked(addr)
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// AddrBlocked reports whether addr falls inside one of the list's networks.
func (l *List) AddrBlocked(addr netip.Addr) bool {
	if l == nil || !addr.IsValid() {
		return false
	}
	addr = addr.WithZone("").Unmap()
	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Blocked reports whether rawURL points at a blocked host. Unparseable URLs are blocked.
func (l *List) Blocked(rawURL string) bool {
	if l == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return l.HostBlocked(u.Hostname())
}

func parseAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.WithZone("").Unmap(), true
	}
	return parseShorthandIPv4(host)
}

// parseShorthandIPv4 accepts the inet_aton forms resolvers still honor: one to four
// dot-separated decimal, octal or hex parts, the last part filling the remaining bytes.
func parseShorthandIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	var ip uint32
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 0, 32)
		if err != nil || strings.Contains(part, "_") {
			return netip.Addr{}, false
		}
		if i < len(parts)-1 {
			if v > 0xff {
				return netip.Addr{}, false
			}
			ip |= uint32(v) << (8 * (3 - i))
			continue
		}
		rest := 8 * (4 - i)
		if rest < 32 && v >= 1<<rest {
			return netip.Addr{}, false
		}
		ip |= uint32(v)
	}
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), true
}
