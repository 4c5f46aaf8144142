package engine_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/engine"
	"github.com/B4ckslash/tinydhcpd/internal/lease"
	"github.com/B4ckslash/tinydhcpd/internal/policy"
	"github.com/B4ckslash/tinydhcpd/internal/router"
	"github.com/B4ckslash/tinydhcpd/internal/subnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slogutil.NewDiscardLogger()

var testCurrentTime = time.Date(2025, 1, 1, 1, 1, 1, 0, time.UTC)

var testChaddr = dhcp4.NewHardwareAddress(1, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

func testConfig() *subnet.Config {
	return &subnet.Config{
		Network:      netip.MustParseAddr("192.168.0.0"),
		Netmask:      netip.MustParseAddr("255.255.255.0"),
		RangeStart:   netip.MustParseAddr("192.168.0.100"),
		RangeEnd:     netip.MustParseAddr("192.168.0.110"),
		LeaseSeconds: 3600 * time.Second,
		Reservations: map[dhcp4.HardwareAddress]netip.Addr{},
		Defaults:     map[dhcp4.OptionTag][]byte{},
	}
}

func newEngine(cfg *subnet.Config) (*engine.Engine, *lease.Table) {
	clock := &faketime.Clock{OnNow: func() time.Time { return testCurrentTime }}
	tbl := lease.NewTable(clock)
	pol := policy.New(cfg, tbl, clock, nil)
	r := router.New(nil, testLogger)

	return engine.New(pol, r, cfg, testLogger), tbl
}

func discoverFrame() *dhcp4.Frame {
	return &dhcp4.Frame{
		Op:        dhcp4.OpRequest,
		HType:     1,
		HLen:      6,
		Xid:       0x11223344,
		CHAddr:    testChaddr,
		IfaceAddr: netip.MustParseAddr("192.168.0.1"),
		IfaceName: "eth0",
		Options: dhcp4.Options{
			dhcp4.OptDhcpMessageType: {byte(dhcp4.MsgDiscover)},
		},
	}
}

// Scenario matching a DISCOVER -> OFFER exchange.
func TestHandleFrame_discoverOffer(t *testing.T) {
	e, _ := newEngine(testConfig())

	res := e.HandleFrame(context.Background(), discoverFrame())
	require.True(t, res.Send)

	assert.Equal(t, dhcp4.OpReply, res.Reply.Op)
	assert.Equal(t, netip.MustParseAddr("192.168.0.100"), res.Reply.YIAddr)
	mt, ok := res.Reply.Options.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.MsgOffer, mt)
	assert.Equal(t, []byte{192, 168, 0, 1}, res.Reply.Options[dhcp4.OptServerIdentifier])
	assert.Equal(t, []byte{0, 0, 0x0e, 0x10}, res.Reply.Options[dhcp4.OptLeaseTime])
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), res.Dest.Addr)
	assert.Equal(t, router.ClientPort, res.Dest.Port)
}

// Scenario matching a REQUEST -> ACK exchange.
func TestHandleFrame_requestAck(t *testing.T) {
	e, tbl := newEngine(testConfig())

	e.HandleFrame(context.Background(), discoverFrame())

	req := discoverFrame()
	req.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgRequest)}
	req.Options[dhcp4.OptRequestedIPAddress] = []byte{192, 168, 0, 100}

	res := e.HandleFrame(context.Background(), req)
	require.True(t, res.Send)

	mt, ok := res.Reply.Options.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.MsgAck, mt)
	assert.Equal(t, netip.MustParseAddr("192.168.0.100"), res.Reply.YIAddr)

	b, ok := tbl.Get(testChaddr)
	require.True(t, ok)
	assert.Equal(t, lease.Bound, b.State)
}

// Scenario matching an out-of-subnet REQUEST -> NAK exchange.
func TestHandleFrame_requestNakOutOfSubnet(t *testing.T) {
	e, _ := newEngine(testConfig())

	req := discoverFrame()
	req.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgRequest)}
	req.Options[dhcp4.OptRequestedIPAddress] = []byte{10, 0, 0, 1}

	res := e.HandleFrame(context.Background(), req)
	require.True(t, res.Send)

	mt, ok := res.Reply.Options.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.MsgNak, mt)
	assert.Equal(t, netip.IPv4Unspecified(), res.Reply.YIAddr)
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), res.Dest.Addr)
}

func TestHandleFrame_releaseHasNoReply(t *testing.T) {
	e, tbl := newEngine(testConfig())

	e.HandleFrame(context.Background(), discoverFrame())
	req := discoverFrame()
	req.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgRequest)}
	req.Options[dhcp4.OptRequestedIPAddress] = []byte{192, 168, 0, 100}
	e.HandleFrame(context.Background(), req)

	rel := discoverFrame()
	rel.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgRelease)}
	res := e.HandleFrame(context.Background(), rel)

	assert.False(t, res.Send)
	_, ok := tbl.Get(testChaddr)
	assert.False(t, ok)
}

func TestHandleFrame_ignoresNonRequestOp(t *testing.T) {
	e, _ := newEngine(testConfig())

	f := discoverFrame()
	f.Op = dhcp4.OpReply

	res := e.HandleFrame(context.Background(), f)
	assert.False(t, res.Send)
}

func TestHandleFrame_informHasNoLeaseTime(t *testing.T) {
	e, _ := newEngine(testConfig())

	req := discoverFrame()
	req.CIAddr = netip.MustParseAddr("192.168.0.50")
	req.Options[dhcp4.OptDhcpMessageType] = []byte{byte(dhcp4.MsgInform)}

	res := e.HandleFrame(context.Background(), req)
	require.True(t, res.Send)

	assert.Equal(t, netip.IPv4Unspecified(), res.Reply.YIAddr)
	_, hasLeaseTime := res.Reply.Options[dhcp4.OptLeaseTime]
	assert.False(t, hasLeaseTime)
}
