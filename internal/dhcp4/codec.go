package dhcp4

import (
	"encoding/binary"
	"net/netip"
	"sort"
)

// fixedHeaderLen is the length of the BOOTP/DHCP fixed header including the
// 4-byte magic cookie.
const fixedHeaderLen = 240

// minReplyLen is the smallest wire size this Codec will ever emit,
// matching BOOTP relays that assume a 300-byte minimum.
const minReplyLen = 300

// magicCookie identifies a DHCP-extended BOOTP packet at offset 236.
var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// Decode parses buf into a Frame.  It performs no I/O, allocates only the
// returned Frame and its Options map, and never mutates buf.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < fixedHeaderLen {
		return nil, ErrTruncated
	}

	var magic [4]byte
	copy(magic[:], buf[236:240])
	if magic != magicCookie {
		return nil, ErrNotDhcp
	}

	f := &Frame{
		Op:    buf[0],
		HType: buf[1],
		HLen:  buf[2],
		Hops:  buf[3],
		Xid:   binary.BigEndian.Uint32(buf[4:8]),
		Secs:  binary.BigEndian.Uint16(buf[8:10]),
		Flags: binary.BigEndian.Uint16(buf[10:12]),
	}

	f.CIAddr = addrFromBytes(buf[12:16])
	f.YIAddr = addrFromBytes(buf[16:20])
	f.SIAddr = addrFromBytes(buf[20:24])
	f.GIAddr = addrFromBytes(buf[24:28])

	hlen := int(f.HLen)
	if hlen > MaxHardwareLen {
		hlen = MaxHardwareLen
	}
	f.CHAddr = NewHardwareAddress(f.HType, buf[28:28+hlen])

	copy(f.SName[:], buf[44:108])
	copy(f.File[:], buf[108:236])

	opts, err := decodeOptions(buf[fixedHeaderLen:])
	if err != nil {
		return nil, err
	}
	f.Options = opts

	return f, nil
}

// decodeOptions parses the TLV stream following the fixed header.  Option
// 52 (overload) is stored like any other option; this core never attempts
// to recover options packed into sname/file, so there is nothing further
// to do for it here.
func decodeOptions(data []byte) (Options, error) {
	opts := make(Options)

	for i := 0; i < len(data); {
		tag := OptionTag(data[i])
		if tag == OptEnd {
			break
		}
		if tag == OptPad {
			i++
			continue
		}

		if i+1 >= len(data) {
			return nil, ErrTruncated
		}
		length := int(data[i+1])
		start := i + 2
		end := start + length
		if end > len(data) {
			return nil, ErrTruncated
		}

		if want, ok := fixedOptionLengths[tag]; ok && length != want {
			return nil, ErrInvalidOption
		}

		value := append([]byte(nil), data[start:end]...)
		if existing, ok := opts[tag]; ok {
			// RFC 3396: concatenate repeated occurrences of the same tag.
			opts[tag] = append(existing, value...)
		} else {
			opts[tag] = value
		}

		i = end
	}

	return opts, nil
}

// Encode serializes f into a fresh byte buffer, padding to minReplyLen if
// necessary.
func Encode(f *Frame) []byte {
	buf := make([]byte, fixedHeaderLen, minReplyLen)

	buf[0] = f.Op
	buf[1] = f.HType
	buf[2] = f.HLen
	buf[3] = f.Hops
	binary.BigEndian.PutUint32(buf[4:8], f.Xid)
	binary.BigEndian.PutUint16(buf[8:10], f.Secs)
	binary.BigEndian.PutUint16(buf[10:12], f.Flags)

	putAddr(buf[12:16], f.CIAddr)
	putAddr(buf[16:20], f.YIAddr)
	putAddr(buf[20:24], f.SIAddr)
	putAddr(buf[24:28], f.GIAddr)

	copy(buf[28:44], f.CHAddr.Bytes[:])
	// sname (44:108) and file (108:236) are left zeroed on every reply.
	copy(buf[236:240], magicCookie[:])

	return encodeOptions(buf, f.Options)
}

// encodeOptions appends f's options in a fixed order — DhcpMessageType
// first, remaining tags ascending, End last — and pads with Pad bytes so
// the total length is never below minReplyLen.
func encodeOptions(buf []byte, opts Options) []byte {
	if v, ok := opts[OptDhcpMessageType]; ok {
		buf = appendOption(buf, OptDhcpMessageType, v)
	}

	tags := make([]OptionTag, 0, len(opts))
	for tag := range opts {
		switch tag {
		case OptDhcpMessageType, OptEnd, OptPad:
			continue
		default:
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	for _, tag := range tags {
		buf = appendOption(buf, tag, opts[tag])
	}

	for len(buf) < minReplyLen-1 {
		buf = append(buf, byte(OptPad))
	}

	return append(buf, byte(OptEnd))
}

func appendOption(buf []byte, tag OptionTag, value []byte) []byte {
	buf = append(buf, byte(tag), byte(len(value)))
	return append(buf, value...)
}

func addrFromBytes(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

func putAddr(dst []byte, a netip.Addr) {
	a4 := addrOrZero(a).As4()
	copy(dst, a4[:])
}
