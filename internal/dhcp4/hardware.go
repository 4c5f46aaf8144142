// Package dhcp4 implements the wire format of RFC 2131/2132: the fixed
// DHCP header, its TLV-encoded options, and the enums that give the option
// space and message types names.
package dhcp4

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
)

// MaxHardwareLen is the size of the chaddr field and the storage backing a
// HardwareAddress.
const MaxHardwareLen = 16

// HardwareTypeEthernet is the IANA hardware type for 802.3 Ethernet, the
// only type this implementation expects in practice.
const HardwareTypeEthernet uint8 = 1

// HardwareAddress is a length-prefixed, fixed-capacity hardware address.
// Bytes beyond Len are always zero, which makes the zero value comparable
// with == and usable directly as a map key.
type HardwareAddress struct {
	Bytes [MaxHardwareLen]byte
	Type  uint8
	Len   uint8
}

// NewHardwareAddress builds a HardwareAddress from raw bytes, truncating to
// MaxHardwareLen and zeroing the remainder.
func NewHardwareAddress(typ uint8, raw []byte) (hw HardwareAddress) {
	hw.Type = typ
	n := len(raw)
	if n > MaxHardwareLen {
		n = MaxHardwareLen
	}
	hw.Len = uint8(n)
	copy(hw.Bytes[:n], raw[:n])

	return hw
}

// IsZero reports whether hw is the all-zero hardware address, the sentinel
// used for LeaseTable's declined-address entries.
func (hw HardwareAddress) IsZero() bool {
	return hw == HardwareAddress{}
}

// Slice returns the meaningful hw.Len bytes of the address.
func (hw HardwareAddress) Slice() []byte {
	return hw.Bytes[:hw.Len]
}

// String renders hw as colon-separated lowercase hex, the form used both
// for logging and for the lease-file format.
func (hw HardwareAddress) String() string {
	if hw.Len == 0 {
		return ""
	}

	parts := make([]string, hw.Len)
	for i, b := range hw.Slice() {
		parts[i] = fmt.Sprintf("%02x", b)
	}

	return strings.Join(parts, ":")
}

// errBadHardwareAddress is returned by ParseHardwareAddress on malformed
// input.
const errBadHardwareAddress errors.Error = "malformed hardware address"

// ParseHardwareAddress parses a colon-hex hardware address, such as
// produced by String.  It tolerates a single trailing colon, the known
// quirk of the original lease-file writer, and otherwise requires the
// IEEE 802-conformant EUI-48/EUI-64 form enforced by
// [netutil.ValidateMAC].
func ParseHardwareAddress(s string) (hw HardwareAddress, err error) {
	s = strings.TrimSuffix(s, ":")
	if s == "" {
		return hw, errBadHardwareAddress
	}

	if valErr := netutil.ValidateMAC(s); valErr != nil {
		return hw, fmt.Errorf("%w: %s", errBadHardwareAddress, valErr)
	}

	fields := strings.Split(s, ":")
	if len(fields) > MaxHardwareLen {
		return hw, errBadHardwareAddress
	}

	raw := make([]byte, len(fields))
	for i, f := range fields {
		v, convErr := strconv.ParseUint(f, 16, 8)
		if convErr != nil {
			return hw, fmt.Errorf("%w: %s", errBadHardwareAddress, convErr)
		}
		raw[i] = byte(v)
	}

	return NewHardwareAddress(HardwareTypeEthernet, raw), nil
}
