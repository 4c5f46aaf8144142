package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
)

// hexOption parses a value as a hex-encoded byte string, e.g.:
//
//	252 hex 736f636b733a2f2f70726f78792e6578616d706c652e6f7267
func hexOption(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}

	return data, nil
}

// ipOption parses a value as a single IPv4 address, e.g.:
//
//	6 ip 192.168.1.1
func ipOption(s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ip: %w", err)
	}
	if !addr.Is4() {
		return nil, errors.Error("ip option values must be IPv4")
	}

	return dhcp4.AddrBytes(addr), nil
}

// ipsOption parses a value as a comma-separated list of IPv4 addresses,
// e.g.:
//
//	6 ips 192.168.1.1,192.168.1.2
func ipsOption(s string) ([]byte, error) {
	var data []byte
	for i, part := range strings.Split(s, ",") {
		ipData, err := ipOption(part)
		if err != nil {
			return nil, fmt.Errorf("parsing ip at index %d: %w", i, err)
		}

		data = append(data, ipData...)
	}

	return data, nil
}

// textOption parses a value as raw UTF-8 text, e.g.:
//
//	252 text http://192.168.1.1/wpad.dat
func textOption(s string) ([]byte, error) {
	return []byte(s), nil
}
