// Package policy implements address selection for DISCOVER and request
// validation for REQUEST.
package policy

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/lease"
	"github.com/B4ckslash/tinydhcpd/internal/subnet"
)

// ErrPoolExhausted is returned by SelectDiscover when no address in the
// configured range is free.  No reply is sent for this
// error; the caller logs at error and drops the request.
const ErrPoolExhausted errors.Error = "policy: address pool exhausted"

// zero is the canonical "no address"/unset value used for ciaddr, hints,
// and requested addresses throughout this package.
var zero = netip.IPv4Unspecified()

func isZero(a netip.Addr) bool {
	return !a.IsValid() || a == zero
}

// Policy ties a subnet's configuration to a LeaseTable to implement
// DISCOVER selection and REQUEST validation.
type Policy struct {
	cfg     *subnet.Config
	table   *lease.Table
	clock   timeutil.Clock
	checker AddressChecker
}

// New constructs a Policy.  checker may be nil, in which case every
// candidate address is considered available (NoopAddressChecker).
func New(cfg *subnet.Config, table *lease.Table, clock timeutil.Clock, checker AddressChecker) *Policy {
	if checker == nil {
		checker = NoopAddressChecker{}
	}

	return &Policy{cfg: cfg, table: table, clock: clock, checker: checker}
}

// SelectDiscover implements DISCOVER address selection. On
// success it inserts an Offered binding with a 10-second TTL.
func (p *Policy) SelectDiscover(
	hw dhcp4.HardwareAddress,
	clientIP netip.Addr,
	hint netip.Addr,
	hintOK bool,
) (ip netip.Addr, ttl time.Duration, err error) {
	now := p.clock.Now()
	p.table.Reclaim(now)

	if reserved, ok := p.cfg.Reservation(hw); ok {
		ip, ttl = reserved, p.cfg.LeaseSeconds

		return ip, ttl, p.offer(hw, ip, lease.OfferedTTL)
	}

	cur, hasCur := p.table.Get(hw)

	if hintOK && p.cfg.Contains(hint) && hasCur && cur.IP == hint {
		return hint, p.cfg.LeaseSeconds, p.offer(hw, hint, lease.OfferedTTL)
	}

	if !isZero(clientIP) && hasCur {
		remaining := time.Duration(cur.ExpiresAt-now.Unix()) * time.Second
		if remaining < time.Second {
			remaining = time.Second
		}

		return cur.IP, remaining, p.offer(hw, cur.IP, lease.OfferedTTL)
	}

	candidate := p.cfg.RangeStart
	for {
		_, inUse := p.table.InUse(candidate, hw)
		if !inUse {
			if p.checker.Available(candidate) {
				return candidate, p.cfg.LeaseSeconds, p.offer(hw, candidate, lease.OfferedTTL)
			}

			p.table.MarkDeclined(candidate)
		}

		if candidate == p.cfg.RangeEnd {
			return netip.Addr{}, 0, ErrPoolExhausted
		}
		candidate = nextAddr(candidate)
	}
}

// offer records the Offered binding chosen by SelectDiscover.  A conflict
// here (AddressInUse) cannot happen for reservation/renewal paths under
// normal operation and, for the pool-scan path, is already excluded by
// the InUse check immediately preceding the call; it is surfaced rather
// than swallowed so a future bug does not silently mis-offer an address.
func (p *Policy) offer(hw dhcp4.HardwareAddress, ip netip.Addr, ttl time.Duration) error {
	return p.table.Upsert(hw, ip, ttl, lease.Offered)
}

// ValidateRequest implements REQUEST validation. On Ack it
// promotes (or creates) a Bound binding with ttl = the subnet's
// lease_seconds.
//
// This also implements INIT-REBOOT leniency: a
// REQUEST with no prior binding for hw is still Acked if its requested
// address is in-range (or reserved to hw) and not held by another
// client, rather than unconditionally NAKed back to INIT.
func (p *Policy) ValidateRequest(
	hw dhcp4.HardwareAddress,
	hint netip.Addr,
	hintOK bool,
	clientIP netip.Addr,
) (ack bool, ip netip.Addr, ttl time.Duration) {
	requested := clientIP
	if hintOK {
		requested = hint
	}
	if isZero(requested) {
		return false, netip.Addr{}, 0
	}

	reserved, hasReservation := p.cfg.Reservation(hw)
	inRange := p.cfg.Contains(requested) || (hasReservation && reserved == requested)
	if !inRange {
		return false, netip.Addr{}, 0
	}

	now := p.clock.Now()
	p.table.Reclaim(now)

	if cur, ok := p.table.Get(hw); ok && cur.IP == requested {
		ttl = p.cfg.LeaseSeconds
		if err := p.table.Upsert(hw, requested, ttl, lease.Bound); err != nil {
			return false, netip.Addr{}, 0
		}

		return true, requested, ttl
	}

	if _, inUse := p.table.InUse(requested, hw); inUse {
		return false, netip.Addr{}, 0
	}

	ttl = p.cfg.LeaseSeconds
	if err := p.table.Upsert(hw, requested, ttl, lease.Bound); err != nil {
		return false, netip.Addr{}, 0
	}

	return true, requested, ttl
}

// Release implements RELEASE: it removes the binding for hw.
func (p *Policy) Release(hw dhcp4.HardwareAddress) {
	p.table.Release(hw)
}

// Decline implements DECLINE: it marks ip as sticky-unavailable.
func (p *Policy) Decline(ip netip.Addr) {
	p.table.MarkDeclined(ip)
}

// nextAddr returns the IPv4 address immediately following a in numeric
// order.
func nextAddr(a netip.Addr) netip.Addr {
	b := a.As4()
	for i := 3; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			break
		}
	}

	return netip.AddrFrom4(b)
}
