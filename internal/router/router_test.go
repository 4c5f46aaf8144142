package router_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/router"
	"github.com/stretchr/testify/assert"
)

var testLogger = slogutil.NewDiscardLogger()

var testHW = dhcp4.NewHardwareAddress(1, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

type fakePrimer struct {
	err error
}

func (f fakePrimer) Prime(context.Context, string, netip.Addr, dhcp4.HardwareAddress) error {
	return f.err
}

func TestDecide_relayed(t *testing.T) {
	r := router.New(fakePrimer{}, testLogger)
	req := &dhcp4.Frame{GIAddr: netip.MustParseAddr("10.0.0.1"), CHAddr: testHW, HLen: 6}

	dest := r.Decide(context.Background(), req, netip.MustParseAddr("192.168.0.100"), netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), dest.Addr)
	assert.Equal(t, router.ServerPort, dest.Port)
	assert.True(t, dest.Relayed)
}

func TestDecide_broadcastFlag(t *testing.T) {
	r := router.New(fakePrimer{}, testLogger)
	req := &dhcp4.Frame{Flags: dhcp4.BroadcastFlag, CHAddr: testHW, HLen: 6}

	dest := r.Decide(context.Background(), req, netip.MustParseAddr("192.168.0.100"), netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), dest.Addr)
	assert.Equal(t, router.ClientPort, dest.Port)
}

func TestDecide_zeroChaddrBroadcasts(t *testing.T) {
	r := router.New(fakePrimer{}, testLogger)
	req := &dhcp4.Frame{HLen: 6}

	dest := r.Decide(context.Background(), req, netip.MustParseAddr("192.168.0.100"), netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), dest.Addr)
}

func TestDecide_noIPBroadcasts(t *testing.T) {
	r := router.New(fakePrimer{}, testLogger)
	req := &dhcp4.Frame{CHAddr: testHW, HLen: 6}

	dest := r.Decide(context.Background(), req, netip.Addr{}, netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), dest.Addr)
}

func TestDecide_unicastPrimesNeighbor(t *testing.T) {
	r := router.New(fakePrimer{}, testLogger)
	req := &dhcp4.Frame{CHAddr: testHW, HLen: 6}

	dest := r.Decide(context.Background(), req, netip.MustParseAddr("192.168.0.100"), netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("192.168.0.100"), dest.Addr)
	assert.Equal(t, router.ClientPort, dest.Port)
}

func TestDecide_primeFailureFallsBackToBroadcast(t *testing.T) {
	r := router.New(fakePrimer{err: errors.Error("permission denied")}, testLogger)
	req := &dhcp4.Frame{CHAddr: testHW, HLen: 6}

	dest := r.Decide(context.Background(), req, netip.MustParseAddr("192.168.0.100"), netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), dest.Addr)
}

func TestDecide_noPrimerConfiguredFallsBackToBroadcast(t *testing.T) {
	r := router.New(nil, testLogger)
	req := &dhcp4.Frame{CHAddr: testHW, HLen: 6}

	dest := r.Decide(context.Background(), req, netip.MustParseAddr("192.168.0.100"), netip.MustParseAddr("192.168.0.255"), "eth0")
	assert.Equal(t, netip.MustParseAddr("192.168.0.255"), dest.Addr)
}
