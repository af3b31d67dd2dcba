// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"net/netip"
	"strings"
)

// clientKey is the address a client is rate limited and quarantined by. An
// IPv6 client is keyed by its /64 network, so that a host can't escape its
// limiter by rotating interface identifiers. Unparseable addresses share the
// zero key.
func clientKey(remoteAddr string) netip.Addr {
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr = ap.Addr()
	} else if addr, err = netip.ParseAddr(strings.Trim(remoteAddr, "[]")); err != nil {
		return netip.Addr{}
	}
	addr = addr.Unmap().WithZone("")
	if addr.Is4() || addr.IsLoopback() {
		return addr
	}
	network, err := addr.Prefix(64)
	if err != nil {
		return netip.Addr{}
	}
	return network.Addr()
}
