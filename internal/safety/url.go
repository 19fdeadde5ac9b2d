package safety

import (
	"net"
	"net/url"
	"strings"
)

// blockedHostnames are always rejected.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// blockedSuffixes mark hostnames that point at internal resources.
var blockedSuffixes = []string{
	".localhost",
	".local",
	".internal",
}

// lookupIP is swapped in tests to avoid real DNS.
var lookupIP = net.LookupIP

// ValidateURL vets a URL for outbound tool use: http or https only, no
// localhost variants, and neither a literal IP nor any resolved address may
// fall in a private, loopback, or link-local range.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return blocked("malformed url: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return blocked("scheme %q not allowed (http or https only)", u.Scheme)
	}

	host := normalizeHostname(u.Hostname())
	if host == "" {
		return blocked("url has no host")
	}
	if isBlockedHostname(host) {
		return blocked("blocked hostname %q", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return blocked("ip %s is in a private or reserved range", host)
		}
		return nil
	}

	ips, err := lookupIP(host)
	if err != nil {
		return blocked("hostname %q did not resolve: %v", host, err)
	}
	if len(ips) == 0 {
		return blocked("hostname %q did not resolve", host)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return blocked("hostname %q resolves to private address %s", host, ip)
		}
	}
	return nil
}

// normalizeHostname lowercases, trims the trailing dot, and unwraps IPv6
// brackets.
func normalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

func isBlockedHostname(host string) bool {
	if blockedHostnames[host] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// IsPrivateIP reports whether ip falls in a private, loopback, link-local,
// or otherwise reserved range that outbound tools must never reach.
// Unparseable addresses count as private.
func IsPrivateIP(ip net.IP) bool {
	if len(ip) == 0 {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4(v4[0], v4[1])
	}

	// IPv6: loopback, unspecified, link-local, unique-local, site-local.
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return true
	}
	switch {
	case ip[0] == 0xfc || ip[0] == 0xfd:
		return true
	case ip[0] == 0xfe && ip[1]&0xc0 == 0xc0:
		return true
	}
	return false
}

// isPrivateIPv4 checks the first two octets against the reserved ranges:
// 0/8, 10/8, 127/8, 169.254/16, 172.16/12, 192.168/16, 100.64/10.
func isPrivateIPv4(octet1, octet2 byte) bool {
	switch {
	case octet1 == 0:
		return true
	case octet1 == 10:
		return true
	case octet1 == 127:
		return true
	case octet1 == 169 && octet2 == 254:
		return true
	case octet1 == 172 && octet2 >= 16 && octet2 <= 31:
		return true
	case octet1 == 192 && octet2 == 168:
		return true
	case octet1 == 100 && octet2 >= 64 && octet2 <= 127:
		return true
	}
	return false
}
