// Package privacy masks client identifiers before they reach operational logs.
// Audit entries keep the raw address; access logs only ever see the prefix.
package privacy

import "net/netip"

const (
	ipv4Bits = 24
	ipv6Bits = 48
)

// AnonymizeIP masks an address to its /24 (IPv4) or /48 (IPv6) network.
// IPv4-mapped IPv6 addresses are treated as IPv4. Empty input yields
// "unknown" and unparseable input yields "invalid".
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap().WithZone("")

	bits := ipv6Bits
	if addr.Is4() {
		bits = ipv4Bits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}
