// Package engine implements the DHCP message-type state machine that
// composes Policy and Router into full request/reply handling.
package engine

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"time"

	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/policy"
	"github.com/B4ckslash/tinydhcpd/internal/router"
	"github.com/B4ckslash/tinydhcpd/internal/subnet"
)

// Engine orchestrates Policy and Router for every inbound client
// request.  The Engine is the sole owner and mutator of the underlying
// LeaseTable; it is driven by a single-threaded caller and keeps no
// internal locking of its own.
type Engine struct {
	policy *policy.Policy
	router *router.Router
	cfg    *subnet.Config
	log    *slog.Logger
}

// New constructs an Engine.
func New(p *policy.Policy, r *router.Router, cfg *subnet.Config, log *slog.Logger) *Engine {
	return &Engine{policy: p, router: r, cfg: cfg, log: log}
}

// Result is what HandleFrame produces: a reply frame and its
// destination, or Send=false if nothing should be transmitted (RELEASE,
// DECLINE, a dropped or unrecognized message).
type Result struct {
	Reply *dhcp4.Frame
	Dest  router.Destination
	Send  bool
}

// HandleFrame dispatches req according to its DHCP message type
// req.Op != OpRequest is silently ignored, matching "ignore if op != 1
// (not a client request)".
func (e *Engine) HandleFrame(ctx context.Context, req *dhcp4.Frame) Result {
	if req.Op != dhcp4.OpRequest {
		return Result{}
	}

	mt, ok := req.Options.MessageType()
	if !ok {
		e.log.WarnContext(ctx, "dropping request with no message type", "xid", req.Xid)

		return Result{}
	}

	switch mt {
	case dhcp4.MsgDiscover:
		return e.handleDiscover(ctx, req)
	case dhcp4.MsgRequest:
		return e.handleRequest(ctx, req)
	case dhcp4.MsgRelease:
		e.policy.Release(req.CHAddr)

		return Result{}
	case dhcp4.MsgInform:
		return e.handleInform(ctx, req)
	case dhcp4.MsgDecline:
		if hint, hintOK := requestedIP(req); hintOK {
			e.policy.Decline(hint)
		}

		return Result{}
	default:
		e.log.WarnContext(ctx, "dropping request with unhandled message type", "xid", req.Xid, "type", mt)

		return Result{}
	}
}

func (e *Engine) handleDiscover(ctx context.Context, req *dhcp4.Frame) Result {
	hint, hintOK := requestedIP(req)

	ip, ttl, err := e.policy.SelectDiscover(req.CHAddr, req.CIAddr, hint, hintOK)
	if err != nil {
		e.log.ErrorContext(ctx, "discover: could not select an address", "xid", req.Xid, "hwaddr", req.CHAddr, "err", err)

		return Result{}
	}

	reply := e.replySkeleton(req)
	reply.YIAddr = ip
	reply.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgOffer)}
	e.populateOfferOptions(reply, req, ttl)

	dest := e.router.Decide(ctx, req, ip, e.cfg.Broadcast(), req.IfaceName)

	return Result{Reply: reply, Dest: dest, Send: true}
}

func (e *Engine) handleRequest(ctx context.Context, req *dhcp4.Frame) Result {
	hint, hintOK := requestedIP(req)

	ack, ip, ttl := e.policy.ValidateRequest(req.CHAddr, hint, hintOK, req.CIAddr)

	reply := e.replySkeleton(req)

	if !ack {
		reply.YIAddr = netip.IPv4Unspecified()
		reply.CIAddr = netip.IPv4Unspecified()
		reply.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgNak)}

		dest := router.Destination{Addr: e.cfg.Broadcast(), Port: router.ClientPort}

		return Result{Reply: reply, Dest: dest, Send: true}
	}

	reply.YIAddr = ip
	reply.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgAck)}
	e.populateOfferOptions(reply, req, ttl)

	dest := e.router.Decide(ctx, req, ip, e.cfg.Broadcast(), req.IfaceName)

	return Result{Reply: reply, Dest: dest, Send: true}
}

func (e *Engine) handleInform(ctx context.Context, req *dhcp4.Frame) Result {
	reply := e.replySkeleton(req)
	reply.YIAddr = netip.IPv4Unspecified()
	reply.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgAck)}
	reply.Options[dhcp4.OptServerIdentifier] = dhcp4.AddrBytes(req.IfaceAddr)
	reply.Options[dhcp4.OptSubnetMask] = dhcp4.AddrBytes(e.cfg.Netmask)
	e.appendRequestedDefaults(reply, req)

	dest := e.router.Decide(ctx, req, req.CIAddr, e.cfg.Broadcast(), req.IfaceName)

	return Result{Reply: reply, Dest: dest, Send: true}
}

// populateOfferOptions fills in the options common to OFFER and ACK
// replies: ServerIdentifier, LeaseTime, SubnetMask, and any
// ParameterRequestList tag with a configured default.
func (e *Engine) populateOfferOptions(reply *dhcp4.Frame, req *dhcp4.Frame, ttl time.Duration) {
	reply.Options[dhcp4.OptServerIdentifier] = dhcp4.AddrBytes(req.IfaceAddr)
	reply.Options[dhcp4.OptLeaseTime] = uint32Bytes(uint32(ttl.Seconds()))
	reply.Options[dhcp4.OptSubnetMask] = dhcp4.AddrBytes(e.cfg.Netmask)
	e.appendRequestedDefaults(reply, req)
}

// appendRequestedDefaults implements ParameterRequestList handling:
// iterate the list in order, and for each tag not yet present in the
// reply, append the subnet's configured default if one exists.
func (e *Engine) appendRequestedDefaults(reply *dhcp4.Frame, req *dhcp4.Frame) {
	for _, tag := range req.Options.ParameterRequestList() {
		if _, present := reply.Options[tag]; present {
			continue
		}
		if v, ok := e.cfg.DefaultOption(tag); ok {
			reply.Options[tag] = v
		}
	}
}

// replySkeleton implements the common reply construction: op=2,
// htype/hlen/xid/flags copied, secs=0, siaddr=giaddr=0 unless relayed
// (then echo giaddr), chaddr copied, sname/file zeroed, options start
// empty.
func (e *Engine) replySkeleton(req *dhcp4.Frame) *dhcp4.Frame {
	reply := &dhcp4.Frame{
		Op:      dhcp4.OpReply,
		HType:   req.HType,
		HLen:    req.HLen,
		Xid:     req.Xid,
		Flags:   req.Flags,
		CHAddr:  req.CHAddr,
		CIAddr:  netip.IPv4Unspecified(),
		YIAddr:  netip.IPv4Unspecified(),
		SIAddr:  netip.IPv4Unspecified(),
		GIAddr:  netip.IPv4Unspecified(),
		Options: dhcp4.Options{},
	}

	if relayed, ok := relayAddr(req); ok {
		reply.GIAddr = relayed
	}

	return reply
}

func relayAddr(req *dhcp4.Frame) (netip.Addr, bool) {
	if req.GIAddr.IsValid() && req.GIAddr != netip.IPv4Unspecified() {
		return req.GIAddr, true
	}

	return netip.Addr{}, false
}

// requestedIP extracts OptRequestedIPAddress from req, if present.
func requestedIP(req *dhcp4.Frame) (ip netip.Addr, ok bool) {
	v, present := req.Options[dhcp4.OptRequestedIPAddress]
	if !present || len(v) != 4 {
		return netip.Addr{}, false
	}

	return netip.AddrFrom4([4]byte{v[0], v[1], v[2], v[3]}), true
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)

	return b
}
