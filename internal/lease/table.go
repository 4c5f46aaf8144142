// Package lease implements the in-memory LeaseTable and its durable
// counterpart, LeaseStore.
package lease

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
)

// State is a Binding's lifecycle stage.
type State uint8

// Binding states.
const (
	Offered State = iota
	Bound
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	if s == Bound {
		return "bound"
	}

	return "offered"
}

// OfferedTTL is the grace window during which a client is expected to
// follow a DISCOVER's offer with a REQUEST.
const OfferedTTL = 10 * time.Second

// StickyExpiresAt marks a sentinel "declined" binding that never expires
// on its own, requiring manual intervention to clear.
const StickyExpiresAt = int64(1<<63 - 1)

// Binding is the entry stored in the LeaseTable, keyed by hardware
// address.
type Binding struct {
	IP        netip.Addr
	ExpiresAt int64 // Unix seconds; StickyExpiresAt never expires.
	State     State
}

func (b Binding) expired(now time.Time) bool {
	return b.ExpiresAt != StickyExpiresAt && now.Unix() >= b.ExpiresAt
}

// ErrAddressInUse is returned by Upsert when ip is already bound to a
// different hardware address.
const ErrAddressInUse errors.Error = "lease: address in use"

// declinedHW is the all-zero sentinel hardware address under which
// MarkDeclined stores its entries; grounded on the teacher's own
// blockedHardwareAddr sentinel (internal/dhcpsvc/lease.go).
var declinedHW dhcp4.HardwareAddress

// Table is the in-memory index of HardwareAddress -> Binding, with a
// secondary ip -> hw index for O(1) address-in-use checks.  The daemon's
// concurrency model is a single-threaded event loop in which only the
// Engine ever touches the Table, so Table carries no internal locking; it
// is not safe for concurrent use from multiple goroutines, unlike the
// teacher's multi-interface, mutex-guarded leaseIndex.
type Table struct {
	clock timeutil.Clock

	byHW hwIndex
	byIP ipIndex
}

type hwIndex = map[dhcp4.HardwareAddress]Binding
type ipIndex = map[netip.Addr]dhcp4.HardwareAddress

// NewTable constructs an empty Table using clock for all expiry math.
func NewTable(clock timeutil.Clock) *Table {
	return &Table{
		clock: clock,
		byHW:  make(hwIndex),
		byIP:  make(ipIndex),
	}
}

// Get returns the non-expired binding for hw, purging it first if it has
// expired.
func (t *Table) Get(hw dhcp4.HardwareAddress) (b Binding, ok bool) {
	b, ok = t.byHW[hw]
	if !ok {
		return Binding{}, false
	}

	if b.expired(t.clock.Now()) {
		t.remove(hw)

		return Binding{}, false
	}

	return b, true
}

// InUse reports whether ip is currently held by a non-expired binding
// other than one for owner, and if so, by whom.
func (t *Table) InUse(ip netip.Addr, owner dhcp4.HardwareAddress) (holder dhcp4.HardwareAddress, inUse bool) {
	hw, ok := t.byIP[ip]
	if !ok || hw == owner {
		return dhcp4.HardwareAddress{}, false
	}

	if _, stillValid := t.Get(hw); !stillValid {
		return dhcp4.HardwareAddress{}, false
	}

	return hw, true
}

// Upsert inserts or replaces the binding for hw.  It fails with
// ErrAddressInUse if ip is already held by a different, non-expired
// binding (including the declined sentinel).
func (t *Table) Upsert(hw dhcp4.HardwareAddress, ip netip.Addr, ttl time.Duration, state State) error {
	if holder, inUse := t.InUse(ip, hw); inUse {
		_ = holder

		return ErrAddressInUse
	}

	t.put(hw, Binding{IP: ip, ExpiresAt: t.clock.Now().Add(ttl).Unix(), State: state})

	return nil
}

// Restore inserts a binding read back from the LeaseStore, bypassing the
// TTL computation done by Upsert: expiresAt is already an absolute Unix
// timestamp recovered from disk.  Restore still enforces the
// no-address-aliasing invariant.
func (t *Table) Restore(hw dhcp4.HardwareAddress, ip netip.Addr, expiresAt int64) error {
	if holder, inUse := t.InUse(ip, hw); inUse {
		_ = holder

		return ErrAddressInUse
	}

	t.put(hw, Binding{IP: ip, ExpiresAt: expiresAt, State: Bound})

	return nil
}

// Release removes any binding for hw.  Calling it twice for the same hw
// is a no-op the second time.
func (t *Table) Release(hw dhcp4.HardwareAddress) {
	t.remove(hw)
}

// MarkDeclined inserts a sentinel binding under the all-zero hardware
// address, blocking ip from reuse until an operator clears it.  Any
// existing binding that held ip is removed first.
func (t *Table) MarkDeclined(ip netip.Addr) {
	if hw, ok := t.byIP[ip]; ok {
		t.remove(hw)
	}

	t.put(declinedHW, Binding{IP: ip, ExpiresAt: StickyExpiresAt, State: Bound})
}

// Reclaim sweeps and removes every entry with ExpiresAt <= now.  It is
// idempotent.  Get (and InUse, through Get) also purges an expired entry
// it looks up, and MarkDeclined removes the binding that held the
// declined address.
func (t *Table) Reclaim(now time.Time) {
	for hw, b := range t.byHW {
		if b.expired(now) {
			t.remove(hw)
		}
	}
}

// Iter calls fn for every current (hw, binding) pair, in arbitrary order,
// for persistence and diagnostics.  It does not purge expired entries;
// callers that care should Reclaim first.
func (t *Table) Iter(fn func(hw dhcp4.HardwareAddress, b Binding)) {
	for hw, b := range t.byHW {
		fn(hw, b)
	}
}

// Len reports the number of bindings currently held, including expired
// ones not yet reclaimed.
func (t *Table) Len() int {
	return len(t.byHW)
}

func (t *Table) put(hw dhcp4.HardwareAddress, b Binding) {
	if old, ok := t.byHW[hw]; ok {
		delete(t.byIP, old.IP)
	}

	t.byHW[hw] = b
	t.byIP[b.IP] = hw
}

func (t *Table) remove(hw dhcp4.HardwareAddress) {
	old, ok := t.byHW[hw]
	if !ok {
		return
	}

	delete(t.byHW, hw)
	if t.byIP[old.IP] == hw {
		delete(t.byIP, old.IP)
	}
}
