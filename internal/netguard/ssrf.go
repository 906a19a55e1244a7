package netguard

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Private, link-local and loopback ranges that outbound tool fetches must
// never reach, regardless of how the hostname resolves.
var blockedPrefixes = mustPrefixes(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// CheckURL rejects URLs whose host is a blocked name, a literal blocked IP,
// or a hostname resolving to any blocked address. DNS is consulted so that
// rebinding tricks through public names still get caught at request time.
func CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	if blockedHostnames[host] {
		return fmt.Errorf("blocked hostname: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("%s resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("address %s is in blocked range %s", addr, p)
		}
	}
	return nil
}
