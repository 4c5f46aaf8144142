// Package router implements destination selection for DHCP replies and
// the neighbor-cache priming needed to reach a client that does not yet
// own its offered address.
package router

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
)

// ServerPort and ClientPort are the well-known DHCP UDP ports.
const (
	ServerPort uint16 = 67
	ClientPort uint16 = 68
)

// Destination is the resolved sockaddr a reply must be sent to.
type Destination struct {
	Addr    netip.Addr
	Port    uint16
	Relayed bool
}

// NeighborPrimer installs a static neighbor-cache (ARP) entry so a
// unicast reply reaches a client that does not yet own the destination
// address (Router rule 3).  The production implementation uses
// vishvananda/netlink's RTM_NEWNEIGH over the deprecated SIOCSARP ioctl.
type NeighborPrimer interface {
	Prime(ctx context.Context, ifaceName string, ip netip.Addr, hw dhcp4.HardwareAddress) error
}

// Router chooses a reply destination and, for rule 3, primes the
// neighbor cache.
type Router struct {
	primer NeighborPrimer
	log    *slog.Logger
}

// New constructs a Router.  primer may be nil, in which case rule 3 is
// never attempted and always falls back to rule 2 — the degraded mode
// for a host lacking CAP_NET_ADMIN.
func New(primer NeighborPrimer, log *slog.Logger) *Router {
	return &Router{primer: primer, log: log}
}

// Decide selects the destination for a reply to req, offering or
// assigning ip, on the interface named ifaceName with broadcast address
// ifaceBcast.  It implements the three destination rules in order.
func (r *Router) Decide(ctx context.Context, req *dhcp4.Frame, ip netip.Addr, ifaceBcast netip.Addr, ifaceName string) Destination {
	if !isZero(req.GIAddr) {
		return Destination{Addr: req.GIAddr, Port: ServerPort, Relayed: true}
	}

	if req.Broadcast() || req.HLen == 0 || req.CHAddr.IsZero() || isZero(ip) {
		return Destination{Addr: ifaceBcast, Port: ClientPort}
	}

	if r.primer == nil {
		r.log.WarnContext(ctx, "no neighbor primer configured, falling back to broadcast",
			"ip", ip, "iface", ifaceName)

		return Destination{Addr: ifaceBcast, Port: ClientPort}
	}

	if err := r.primer.Prime(ctx, ifaceName, ip, req.CHAddr); err != nil {
		r.log.WarnContext(ctx, "neighbor cache priming failed, falling back to broadcast",
			"ip", ip, "iface", ifaceName, "hwaddr", req.CHAddr, "err", err)

		return Destination{Addr: ifaceBcast, Port: ClientPort}
	}

	return Destination{Addr: ip, Port: ClientPort}
}

func isZero(a netip.Addr) bool {
	return !a.IsValid() || a == netip.IPv4Unspecified()
}
