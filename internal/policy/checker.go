package policy

import (
	"net/netip"
	"time"

	"github.com/go-ping/ping"
)

// AddressChecker probes whether a candidate address is already in use on
// the wire before it is offered to a client.  This supplements Policy's
// selection, which otherwise trusts the LeaseTable alone; grounded on the
// teacher's addrAvailable/addressChecker (legacy internal/dhcpd/v4.go,
// internal/dhcpsvc's addressChecker interface).
type AddressChecker interface {
	// Available reports whether ip appears free, probing the network if
	// the implementation chooses to.
	Available(ip netip.Addr) bool
}

// NoopAddressChecker always reports an address as available, matching
// baseline behavior (the probe is optional and off by default).
type NoopAddressChecker struct{}

// Available implements the [AddressChecker] interface for
// NoopAddressChecker.
func (NoopAddressChecker) Available(netip.Addr) bool { return true }

// ICMPChecker probes with a single ICMP echo request, grounded on
// go-ping/ping usage in the legacy v4Server.addrAvailable.
type ICMPChecker struct {
	Timeout time.Duration
}

// Available implements the [AddressChecker] interface for ICMPChecker.  A
// pinger construction or run failure is treated as "available" — the
// probe is advisory, never load-bearing for correctness.
func (c ICMPChecker) Available(ip netip.Addr) bool {
	if c.Timeout <= 0 {
		return true
	}

	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		return true
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = c.Timeout
	pinger.Count = 1

	var replied bool
	pinger.OnRecv = func(*ping.Packet) { replied = true }

	if err = pinger.Run(); err != nil {
		return true
	}

	return !replied
}
