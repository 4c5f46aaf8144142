// Package subnet holds the immutable, validated configuration of the one
// subnet this daemon serves: its address range, static reservations, and
// default option values.
package subnet

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
)

// DefaultLeaseSeconds is used when the configuration omits lease-time.
const DefaultLeaseSeconds = 3600 * time.Second

// errRangeMisaligned is returned by Validate when range bounds and network
// do not share a netmask-aligned prefix.
const errRangeMisaligned errors.Error = "range bounds do not align with network/netmask"

// Config is the immutable configuration of the served subnet.
//
// Config.Validate must be called, and must succeed, before a Config is
// handed to Policy; nothing in this package enforces that at compile time.
type Config struct {
	Network      netip.Addr
	Netmask      netip.Addr
	RangeStart   netip.Addr
	RangeEnd     netip.Addr
	LeaseSeconds time.Duration

	// Reservations maps a client's hardware address to a static IPv4
	// lease that takes priority over pool allocation.
	Reservations map[dhcp4.HardwareAddress]netip.Addr

	// Defaults holds option values applied to replies when requested via
	// ParameterRequestList (or, for SubnetMask, unconditionally).
	Defaults map[dhcp4.OptionTag][]byte
}

var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error
	errs = validate.Append(errs, "Network", validatable{c.Network})
	errs = validate.Append(errs, "Netmask", validatable{c.Netmask})
	errs = validate.Append(errs, "RangeStart", validatable{c.RangeStart})
	errs = validate.Append(errs, "RangeEnd", validatable{c.RangeEnd})
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if mask(c.RangeStart, c.Netmask) != mask(c.Network, c.Netmask) ||
		mask(c.RangeEnd, c.Netmask) != mask(c.Network, c.Netmask) {
		errs = append(errs, errRangeMisaligned)
	}

	if c.RangeEnd.As4() != c.RangeStart.As4() && less4(c.RangeEnd, c.RangeStart) {
		errs = append(errs, errors.Error("range-end precedes range-start"))
	}

	for hw, ip := range c.Reservations {
		if !c.withinNetwork(ip) {
			errs = append(errs, fmtReservationErr(hw, ip))
		}
	}

	if c.LeaseSeconds < 0 {
		errs = append(errs, errors.Error("lease-seconds must not be negative"))
	}

	return errors.Join(errs...)
}

// validatable adapts a netip.Addr to [validate.Interface].
type validatable struct{ addr netip.Addr }

func (v validatable) Validate() error {
	if !v.addr.IsValid() || !v.addr.Is4() {
		return errors.Error("must be a valid IPv4 address")
	}

	return nil
}

func fmtReservationErr(hw dhcp4.HardwareAddress, ip netip.Addr) error {
	return errors.Error("reservation for " + hw.String() + " (" + ip.String() + ") lies outside network/netmask")
}

// withinNetwork reports whether ip lies inside network/netmask.  Validate
// checks reservations with this rather than Contains, since reservations
// may sit outside the pool range [RangeStart, RangeEnd].
func (c *Config) withinNetwork(ip netip.Addr) bool {
	return ip.IsValid() && ip.Is4() && mask(ip, c.Netmask) == mask(c.Network, c.Netmask)
}

// Contains reports whether ip lies in the inclusive pool range
// [RangeStart, RangeEnd].
func (c *Config) Contains(ip netip.Addr) bool {
	if !ip.IsValid() || !ip.Is4() {
		return false
	}

	return !less4(ip, c.RangeStart) && !less4(c.RangeEnd, ip)
}

// Reservation returns the statically reserved address for hw, if any.
func (c *Config) Reservation(hw dhcp4.HardwareAddress) (ip netip.Addr, ok bool) {
	ip, ok = c.Reservations[hw]

	return ip, ok
}

// DefaultOption returns the configured default value for tag, if any.
func (c *Config) DefaultOption(tag dhcp4.OptionTag) (value []byte, ok bool) {
	value, ok = c.Defaults[tag]

	return value, ok
}

// Broadcast computes the subnet's directed broadcast address,
// network | ^netmask, used by Router rule 2.
func (c *Config) Broadcast() netip.Addr {
	n := c.Network.As4()
	m := c.Netmask.As4()
	var b [4]byte
	for i := range b {
		b[i] = n[i] | ^m[i]
	}

	return netip.AddrFrom4(b)
}

func mask(a, m netip.Addr) [4]byte {
	av := a.As4()
	mv := m.As4()
	var out [4]byte
	for i := range out {
		out[i] = av[i] & mv[i]
	}

	return out
}

// less4 compares two IPv4 addresses in host numeric order.
func less4(a, b netip.Addr) bool {
	av, bv := a.As4(), b.As4()
	for i := range av {
		if av[i] != bv[i] {
			return av[i] < bv[i]
		}
	}

	return false
}
