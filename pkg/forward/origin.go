package forward

import (
	"net/netip"
	"net/url"
	"strings"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// blockedPrefixes are address ranges an origin may never resolve to by
// literal.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// ValidateOrigin parses a record's destination origin and refuses anything
// that could aim the gateway at its own network: non-HTTP schemes, plain
// HTTP, and literal addresses in loopback, private, link-local, CGNAT,
// documentation, unspecified or broadcast ranges. Plain HTTP to localhost
// (by name or loopback literal) is allowed only when allowInsecureLocalhost
// is set, for development.
//
// The returned URL carries scheme and host only.
func ValidateOrigin(origin string, allowInsecureLocalhost bool) (*url.URL, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, originError(origin, "not a valid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return nil, originError(origin, "scheme must be https")
	}
	host := u.Hostname()
	if host == "" {
		return nil, originError(origin, "no host")
	}
	if u.User != nil {
		return nil, originError(origin, "userinfo is not allowed")
	}

	addr, err := netip.ParseAddr(host)
	local := isLocalhostName(host) || (err == nil && addr.Unmap().IsLoopback())
	switch {
	case local && allowInsecureLocalhost:
		return &url.URL{Scheme: scheme, Host: strings.ToLower(u.Host)}, nil
	case local:
		return nil, originError(origin, "localhost is not allowed")
	case err == nil && blockedAddr(addr):
		return nil, originError(origin, "private network address")
	}

	if scheme != "https" {
		return nil, originError(origin, "scheme must be https")
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(u.Host)}, nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isLocalhostName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local")
}

func originError(origin, reason string) error {
	return sserr.Newf(sserr.CodeValidationOrigin, "forward: destination origin refused: %s", reason).
		WithDetail("origin", origin)
}
