package knx

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupAddress is a KNX group address in 3-level format.
//
// Format: Main/Middle/Sub
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

const (
	maxMain   = 31
	maxMiddle = 7
	maxSub    = 255

	gaMainMask   = 0x1F
	gaMiddleMask = 0x07
	gaSubMask    = 0xFF
)

// ParseGroupAddress parses "main/middle/sub".
func ParseGroupAddress(s string) (GroupAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return GroupAddress{}, fmt.Errorf("%w: expected main/middle/sub, got %q", ErrInvalidGroupAddress, s)
	}

	limits := [3]uint64{maxMain, maxMiddle, maxSub}
	var v [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil || n > limits[i] {
			return GroupAddress{}, fmt.Errorf("%w: level %d must be 0-%d, got %q", ErrInvalidGroupAddress, i+1, limits[i], p)
		}
		v[i] = uint8(n)
	}
	return GroupAddress{Main: v[0], Middle: v[1], Sub: v[2]}, nil
}

// String returns the address as "main/middle/sub".
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main, ga.Middle, ga.Sub)
}

// Uint16 packs the address as MMMM MIII SSSS SSSS.
func (ga GroupAddress) Uint16() uint16 {
	return uint16(ga.Main)<<11 | uint16(ga.Middle)<<8 | uint16(ga.Sub)
}

// GroupAddressFromUint16 unpacks a 16-bit group address.
func GroupAddressFromUint16(v uint16) GroupAddress {
	return GroupAddress{
		Main:   uint8((v >> 11) & gaMainMask),  //nolint:gosec // masked to 5 bits
		Middle: uint8((v >> 8) & gaMiddleMask), //nolint:gosec // masked to 3 bits
		Sub:    uint8(v & gaSubMask),           //nolint:gosec // masked to 8 bits
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so addresses can be
// written as strings in driver params.
func (ga *GroupAddress) UnmarshalText(b []byte) error {
	p, err := ParseGroupAddress(string(b))
	if err != nil {
		return err
	}
	*ga = p
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (ga GroupAddress) MarshalText() ([]byte, error) {
	return []byte(ga.String()), nil
}
