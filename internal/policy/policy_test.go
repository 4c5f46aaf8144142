package policy_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/lease"
	"github.com/B4ckslash/tinydhcpd/internal/policy"
	"github.com/B4ckslash/tinydhcpd/internal/subnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCurrentTime = time.Date(2025, 1, 1, 1, 1, 1, 0, time.UTC)

func testClock() *faketime.Clock {
	return &faketime.Clock{OnNow: func() time.Time { return testCurrentTime }}
}

func testConfig() *subnet.Config {
	return &subnet.Config{
		Network:      netip.MustParseAddr("192.168.0.0"),
		Netmask:      netip.MustParseAddr("255.255.255.0"),
		RangeStart:   netip.MustParseAddr("192.168.0.100"),
		RangeEnd:     netip.MustParseAddr("192.168.0.110"),
		LeaseSeconds: time.Hour,
		Reservations: map[dhcp4.HardwareAddress]netip.Addr{},
		Defaults:     map[dhcp4.OptionTag][]byte{},
	}
}

var hwClient = dhcp4.NewHardwareAddress(1, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

func newPolicy() (*policy.Policy, *lease.Table) {
	clock := testClock()
	tbl := lease.NewTable(clock)
	p := policy.New(testConfig(), tbl, clock, policy.NoopAddressChecker{})

	return p, tbl
}

// Scenario 1: DISCOVER -> OFFER.
func TestSelectDiscover_firstFreeAddress(t *testing.T) {
	p, _ := newPolicy()

	ip, ttl, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.0.100"), ip)
	assert.Equal(t, time.Hour, ttl)
}

// Scenario 2: REQUEST(hint=offered ip) -> ACK.
func TestValidateRequest_ackAfterDiscover(t *testing.T) {
	p, tbl := newPolicy()

	ip, _, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)

	ack, gotIP, ttl := p.ValidateRequest(hwClient, ip, true, netip.Addr{})
	assert.True(t, ack)
	assert.Equal(t, ip, gotIP)
	assert.Equal(t, time.Hour, ttl)

	b, ok := tbl.Get(hwClient)
	require.True(t, ok)
	assert.Equal(t, lease.Bound, b.State)
}

// Scenario 3: REQUEST(hint=out-of-subnet) -> NAK.
func TestValidateRequest_nakOutOfSubnet(t *testing.T) {
	p, _ := newPolicy()

	ack, _, _ := p.ValidateRequest(hwClient, netip.MustParseAddr("10.0.0.1"), true, netip.Addr{})
	assert.False(t, ack)
}

// Scenario 4: DECLINE then DISCOVER from a different client must not
// reoffer the declined address.
func TestDecline_blocksReuse(t *testing.T) {
	p, _ := newPolicy()

	ip, _, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.0.100"), ip)

	p.Decline(ip)

	hwOther := dhcp4.NewHardwareAddress(1, []byte{1, 2, 3, 4, 5, 6})
	ip2, _, err := p.SelectDiscover(hwOther, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.NotEqual(t, ip, ip2)
	assert.Equal(t, netip.MustParseAddr("192.168.0.101"), ip2)
}

// Scenario 5: RELEASE then DISCOVER from a different client MAY be
// offered the released address.
func TestRelease_allowsReuse(t *testing.T) {
	p, _ := newPolicy()

	ip, _, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)

	p.Release(hwClient)

	hwOther := dhcp4.NewHardwareAddress(1, []byte{1, 2, 3, 4, 5, 6})
	ip2, _, err := p.SelectDiscover(hwOther, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.Equal(t, ip, ip2)
}

func TestSelectDiscover_reservationWins(t *testing.T) {
	clock := testClock()
	tbl := lease.NewTable(clock)
	cfg := testConfig()
	reserved := netip.MustParseAddr("192.168.0.50")
	cfg.Reservations[hwClient] = reserved

	p := policy.New(cfg, tbl, clock, nil)

	ip, _, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.Equal(t, reserved, ip)
}

func TestSelectDiscover_poolExhausted(t *testing.T) {
	clock := testClock()
	tbl := lease.NewTable(clock)
	cfg := testConfig()
	cfg.RangeStart = netip.MustParseAddr("192.168.0.100")
	cfg.RangeEnd = netip.MustParseAddr("192.168.0.100")
	p := policy.New(cfg, tbl, clock, nil)

	_, _, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)

	hwOther := dhcp4.NewHardwareAddress(1, []byte{1, 2, 3, 4, 5, 6})
	_, _, err = p.SelectDiscover(hwOther, netip.Addr{}, netip.Addr{}, false)
	assert.ErrorIs(t, err, policy.ErrPoolExhausted)
}

// INIT-REBOOT leniency: accept a REQUEST with no prior binding.
func TestValidateRequest_initRebootWithoutPriorOffer(t *testing.T) {
	p, _ := newPolicy()

	ack, ip, ttl := p.ValidateRequest(hwClient, netip.MustParseAddr("192.168.0.105"), true, netip.Addr{})
	assert.True(t, ack)
	assert.Equal(t, netip.MustParseAddr("192.168.0.105"), ip)
	assert.Equal(t, time.Hour, ttl)
}

// fakeChecker reports every address in unavailable as occupied, simulating
// a conflict probe (e.g. ICMPChecker) that got a reply.
type fakeChecker struct {
	unavailable map[netip.Addr]bool
}

func (c fakeChecker) Available(ip netip.Addr) bool {
	return !c.unavailable[ip]
}

// A candidate that fails the conflict probe is skipped in favor of the next
// free address, and is sticky-declined so a later DISCOVER does not
// re-probe (or re-offer) it.
func TestSelectDiscover_probeFailureSkipsAndSticklyDeclines(t *testing.T) {
	clock := testClock()
	tbl := lease.NewTable(clock)
	checker := fakeChecker{unavailable: map[netip.Addr]bool{
		netip.MustParseAddr("192.168.0.100"): true,
	}}
	p := policy.New(testConfig(), tbl, clock, checker)

	ip, _, err := p.SelectDiscover(hwClient, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.0.101"), ip)

	_, blocked := tbl.InUse(netip.MustParseAddr("192.168.0.100"), hwClient)
	assert.True(t, blocked)

	hwOther := dhcp4.NewHardwareAddress(1, []byte{1, 2, 3, 4, 5, 6})
	ip2, _, err := p.SelectDiscover(hwOther, netip.Addr{}, netip.Addr{}, false)
	require.NoError(t, err)
	assert.NotEqual(t, netip.MustParseAddr("192.168.0.100"), ip2)
}
