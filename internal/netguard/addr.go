// Package netguard holds the address plumbing shared by the auth, rate-limit
// and tool layers: remote-address normalization, loopback and trusted-network
// checks, and the SSRF validator used by outbound fetch tools.
package netguard

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeRemoteAddr strips the port and IPv6 brackets from an http.Request
// RemoteAddr, yielding a bare host or IP string. Everything downstream (rate
// limiting, audit, trusted-network checks) keys on this form.
func NormalizeRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}

// IsLoopback reports whether the normalized host is a loopback client.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.IsLoopback()
	}
	return false
}

// TrustedNetwork answers membership questions for a configured CIDR set.
type TrustedNetwork struct {
	prefixes []netip.Prefix
}

// NewTrustedNetwork parses a list of CIDRs. Invalid entries are skipped.
func NewTrustedNetwork(cidrs []string) *TrustedNetwork {
	tn := &TrustedNetwork{}
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(c)); err == nil {
			tn.prefixes = append(tn.prefixes, p)
		}
	}
	return tn
}

// Contains reports whether host parses as an IP inside any trusted prefix.
func (t *TrustedNetwork) Contains(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Empty reports whether no valid prefixes were configured.
func (t *TrustedNetwork) Empty() bool {
	return len(t.prefixes) == 0
}
