// Package transport binds the server's one DHCP socket and gives the
// Engine interface-aware send/receive.  The technique — a wildcard-bound
// ipv4.PacketConn plus IP_PKTINFO-style ancillary control messages — is
// kept from the teacher's dhcpd/os_linux.go and dhcpd/filter_conn.go.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ServerPort is the well-known DHCP server port.
const ServerPort = 67

// MaxDatagramSize is large enough for any DHCP message this core
// produces or is obliged to accept; RFC 2131 options rarely approach it.
const MaxDatagramSize = 1500

// Config configures Transport.Open.
type Config struct {
	// ListenAddr is the address to bind to. The zero netip.Addr binds to
	// INADDR_ANY.
	ListenAddr netip.Addr

	// IfaceName, if non-empty, restricts reception to packets arriving
	// on this interface.
	IfaceName string
}

// ifaceInfo is the primary IPv4 address and name of one interface,
// resolved once at startup and looked up by index thereafter, since
// IP_PKTINFO's Dst is the packet's destination address (which is the
// broadcast address for a broadcast datagram), not necessarily the
// interface's own address.
type ifaceInfo struct {
	name string
	addr netip.Addr
}

// Transport owns the one UDP socket this daemon ever binds, plus a
// best-effort outbound send queue for the WouldBlock case.
type Transport struct {
	conn       *ipv4.PacketConn
	filterIdx  int // 0 means "accept any interface"
	ifacesByIx map[int]ifaceInfo
	log        *slog.Logger

	queue []queuedDatagram
}

// queuedDatagram is a send that returned WouldBlock and is retried by
// the next call to Flush.
type queuedDatagram struct {
	data    []byte
	dest    net.Addr
	ifIndex int
}

// broadcastControl returns a net.ListenConfig.Control func that sets
// SO_REUSEADDR and SO_BROADCAST on the raw socket before bind, and
// SO_BINDTODEVICE when ifaceName is non-empty, mirroring the teacher's
// newBroadcastPacketConn.
func broadcastControl(ifaceName string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		ctrlErr := c.Control(func(fd uintptr) {
			sockErr = errors.Join(
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1),
			)
			if ifaceName != "" {
				sockErr = errors.Join(sockErr, unix.BindToDevice(int(fd), ifaceName))
			}
		})
		if ctrlErr != nil {
			return ctrlErr
		}

		return sockErr
	}
}

// Open binds the DHCP server socket per cfg.  The socket is marked
// SO_REUSEADDR and SO_BROADCAST, and SO_BINDTODEVICE when cfg.IfaceName is
// set, all before bind, as in the teacher's newBroadcastPacketConn: a OFFER/ACK
// sent to the interface broadcast address (Router rule 2, and every NAK)
// otherwise fails with EACCES.
func Open(cfg Config, log *slog.Logger) (*Transport, error) {
	addr := "0.0.0.0"
	if cfg.ListenAddr.IsValid() {
		addr = cfg.ListenAddr.String()
	}

	lc := net.ListenConfig{Control: broadcastControl(cfg.IfaceName)}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", addr, ServerPort))
	if err != nil {
		return nil, fmt.Errorf("binding udp socket: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	if err = p.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		conn.Close()

		return nil, fmt.Errorf("enabling packet-info control messages: %w", err)
	}

	t := &Transport{conn: p, log: log}

	ifaces, err := resolveInterfaces()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("resolving interface addresses: %w", err)
	}
	t.ifacesByIx = ifaces

	if cfg.IfaceName != "" {
		iface, ifaceErr := net.InterfaceByName(cfg.IfaceName)
		if ifaceErr != nil {
			conn.Close()

			return nil, fmt.Errorf("resolving interface %s: %w", cfg.IfaceName, ifaceErr)
		}
		t.filterIdx = iface.Index
	}

	return t, nil
}

// resolveInterfaces builds the ifindex -> (name, primary IPv4 address)
// table used to enrich received frames.
func resolveInterfaces() (map[int]ifaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make(map[int]ifaceInfo, len(ifaces))
	for _, iface := range ifaces {
		addrs, addrErr := iface.Addrs()
		if addrErr != nil {
			continue
		}

		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipNet.IP.To4()
			if v4 == nil {
				continue
			}

			out[iface.Index] = ifaceInfo{name: iface.Name, addr: netip.AddrFrom4([4]byte(v4))}

			break
		}
	}

	return out, nil
}

// Received is one inbound datagram paired with the receiving interface's
// identity, as required to populate a decoded Frame's IfaceAddr/IfaceName.
type Received struct {
	Data      []byte
	PeerAddr  netip.AddrPort
	IfaceAddr netip.Addr
	IfaceName string
	IfIndex   int
}

// receivePollInterval bounds how long Receive blocks between checks of
// ctx.Done(), since the underlying socket read has no context support of
// its own (grounded on the teacher's SetReadDeadline-based shutdown in
// dhcpd/conn_unix.go).
const receivePollInterval = 1 * time.Second

// Receive blocks for the next datagram addressed to (or accepted by) this
// Transport, dropping any that arrived on a filtered-out interface.  It
// returns ctx.Err() promptly after ctx is canceled.
func (t *Transport) Receive(ctx context.Context) (Received, error) {
	buf := make([]byte, MaxDatagramSize)

	for {
		if err := ctx.Err(); err != nil {
			return Received{}, err
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(receivePollInterval)); err != nil {
			return Received{}, fmt.Errorf("setting read deadline: %w", err)
		}

		n, cm, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}

			return Received{}, err
		}

		if cm == nil {
			return Received{}, fmt.Errorf("no control message on received datagram")
		}

		if t.filterIdx != 0 && cm.IfIndex != t.filterIdx {
			continue
		}

		info, ok := t.ifacesByIx[cm.IfIndex]
		if !ok {
			t.log.WarnContext(ctx, "dropping datagram from unresolved interface", "ifindex", cm.IfIndex)

			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		peer, ok := netip.AddrFromSlice(udpAddr.IP.To4())
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		return Received{
			Data:      data,
			PeerAddr:  netip.AddrPortFrom(peer, uint16(udpAddr.Port)),
			IfaceAddr: info.addr,
			IfaceName: info.name,
			IfIndex:   cm.IfIndex,
		}, nil
	}
}

// Send writes data to dest on the given interface.  A send that would
// block is queued and retried by Flush instead of being reported as an
// error.
func (t *Transport) Send(ctx context.Context, data []byte, dest netip.AddrPort, ifIndex int) error {
	udpAddr := &net.UDPAddr{IP: dest.Addr().AsSlice(), Port: int(dest.Port())}

	cm := &ipv4.ControlMessage{IfIndex: ifIndex}
	if _, err := t.conn.WriteTo(data, cm, udpAddr); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			t.queue = append(t.queue, queuedDatagram{data: data, dest: udpAddr, ifIndex: ifIndex})
			t.log.DebugContext(ctx, "send would block, queued for retry", "dest", dest)

			return nil
		}

		return fmt.Errorf("sending datagram to %s: %w", dest, err)
	}

	return nil
}

// Flush retries every queued datagram, stopping at the first one that
// would still block (it stays queued, in order, for the next Flush).
func (t *Transport) Flush(ctx context.Context) error {
	for len(t.queue) > 0 {
		d := t.queue[0]
		cm := &ipv4.ControlMessage{IfIndex: d.ifIndex}

		if _, err := t.conn.WriteTo(d.data, cm, d.dest); err != nil {
			if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
				return nil
			}

			return fmt.Errorf("flushing queued datagram to %s: %w", d.dest, err)
		}

		t.queue = t.queue[1:]
	}

	t.log.DebugContext(ctx, "send queue drained")

	return nil
}

// Pending reports whether any datagram is queued for retry.
func (t *Transport) Pending() bool {
	return len(t.queue) > 0
}

// Close releases the socket; in-flight queued datagrams are dropped;
// they are best-effort and the client will retry.
func (t *Transport) Close() error {
	return t.conn.Close()
}
