package wgconf

import (
	"net"
	"net/netip"
	"sort"
	"strings"
)

var fullTunnel = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/0"),
	netip.MustParsePrefix("::/0"),
}

// AllowedIPs returns the full-tunnel AllowedIPs list with the given CIDRs
// carved out. When endpoint is a literal ip:port its address is excluded
// too, so the tunnel never routes its own transport. Unparsable entries
// are ignored. With nothing to exclude the result is DefaultAllowedIPs.
func AllowedIPs(endpoint string, exclude []string) string {
	var cut []netip.Prefix
	for _, c := range exclude {
		if p, err := netip.ParsePrefix(strings.TrimSpace(c)); err == nil {
			cut = append(cut, p.Masked())
		}
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			addr = addr.Unmap()
			cut = append(cut, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	if len(cut) == 0 {
		return DefaultAllowedIPs
	}

	remaining := Subtract(fullTunnel, cut)
	parts := make([]string, len(remaining))
	for i, p := range remaining {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// ValidCIDR reports whether s parses as a prefix.
func ValidCIDR(s string) bool {
	_, err := netip.ParsePrefix(strings.TrimSpace(s))
	return err == nil
}

// Subtract removes every prefix in cut from base. The result is sorted
// with IPv4 before IPv6 and shorter prefixes first on equal addresses.
func Subtract(base, cut []netip.Prefix) []netip.Prefix {
	out := append([]netip.Prefix(nil), base...)
	for _, c := range cut {
		var next []netip.Prefix
		for _, p := range out {
			next = append(next, subtractOne(p, c)...)
		}
		out = next
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Addr(), out[j].Addr()
		if ai != aj {
			return ai.Less(aj)
		}
		return out[i].Bits() < out[j].Bits()
	})
	return out
}

func subtractOne(p, c netip.Prefix) []netip.Prefix {
	if !p.Overlaps(c) {
		return []netip.Prefix{p}
	}
	if c.Bits() <= p.Bits() {
		return nil
	}
	lo, hi := halves(p)
	return append(subtractOne(lo, c), subtractOne(hi, c)...)
}

// halves splits p into its two children one bit longer.
func halves(p netip.Prefix) (netip.Prefix, netip.Prefix) {
	bits := p.Bits() + 1
	lo := netip.PrefixFrom(p.Addr(), bits)

	raw := p.Addr().As16()
	off := 0
	if p.Addr().Is4() {
		off = 12
	}
	idx := off + (bits-1)/8
	raw[idx] |= 1 << (7 - (bits-1)%8)
	hiAddr := netip.AddrFrom16(raw)
	if p.Addr().Is4() {
		hiAddr = hiAddr.Unmap()
	}
	return lo, netip.PrefixFrom(hiAddr, bits)
}
