package router

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/vishvananda/netlink"
)

// NetlinkPrimer implements NeighborPrimer with an RTM_NEWNEIGH request via
// vishvananda/netlink, grounded on the LinkByName/link-state idiom used by
// ngcxy-dranet/pkg/driver/dhcp.go and hostdevice.go.
type NetlinkPrimer struct{}

// Prime implements the [NeighborPrimer] interface for NetlinkPrimer.
func (NetlinkPrimer) Prime(_ context.Context, ifaceName string, ip netip.Addr, hw dhcp4.HardwareAddress) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("resolving interface %s: %w", ifaceName, err)
	}

	neigh := &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       netlink.FAMILY_V4,
		State:        netlink.NUD_PERMANENT,
		IP:           net.IP(ip.AsSlice()),
		HardwareAddr: net.HardwareAddr(hw.Slice()),
	}

	if err = netlink.NeighSet(neigh); err != nil {
		return fmt.Errorf("installing neighbor entry for %s on %s: %w", ip, ifaceName, err)
	}

	return nil
}
