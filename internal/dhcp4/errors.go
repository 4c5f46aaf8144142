package dhcp4

import "github.com/AdguardTeam/golibs/errors"

// Codec error kinds. Disposition for all three is: drop the frame, log at
// debug or warn, keep serving.
const (
	// ErrTruncated means the buffer was shorter than the fixed header, an
	// option header could not fit in the remaining buffer, or an option's
	// declared length ran past the end of the buffer.
	ErrTruncated errors.Error = "dhcp4: truncated datagram"

	// ErrNotDhcp means the magic cookie did not match.
	ErrNotDhcp errors.Error = "dhcp4: not a dhcp datagram"

	// ErrInvalidOption means a fixed-length option carried the wrong
	// length.
	ErrInvalidOption errors.Error = "dhcp4: invalid option"
)
