package knx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// knxd protocol message types.
const (
	// eibOpenGroupCon opens a group socket for all group addresses.
	eibOpenGroupCon uint16 = 0x0026
	// eibGroupPacket carries one group telegram in either direction.
	eibGroupPacket uint16 = 0x0027
)

// APCI codes for group communication.
const (
	APCIRead     byte = 0x00
	APCIResponse byte = 0x40
	APCIWrite    byte = 0x80
)

const (
	headerSize    = 4
	maxFrameSize  = 256
	shortDataMask = 0x3F
)

// Telegram is one group telegram.
type Telegram struct {
	// Source is the sender's individual address, "area.line.device".
	// Set only on received telegrams.
	Source      string
	Destination GroupAddress
	APCI        byte
	Data        []byte
}

// IsValue reports whether the telegram carries a value (write or response).
func (t Telegram) IsValue() bool {
	return t.APCI == APCIWrite || t.APCI == APCIResponse
}

// encodeGroupPacket encodes t as sent on a group socket:
//
//	GA(2) TPCI(1) APCI|short(1) [data...]
func (t Telegram) encodeGroupPacket() []byte {
	short := len(t.Data) == 1 && t.Data[0] <= shortDataMask
	if len(t.Data) == 0 || short {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], t.Destination.Uint16())
		buf[3] = t.APCI
		if short {
			buf[3] |= t.Data[0] & shortDataMask
		}
		return buf
	}
	buf := make([]byte, 4+len(t.Data))
	binary.BigEndian.PutUint16(buf[0:2], t.Destination.Uint16())
	buf[3] = t.APCI
	copy(buf[4:], t.Data)
	return buf
}

// parseGroupPacket decodes a received group packet. Received packets carry
// the source address in front of the destination:
//
//	SRC(2) GA(2) TPCI(1) APCI|short(1) [data...]
func parseGroupPacket(b []byte) (Telegram, error) {
	if len(b) < 6 {
		return Telegram{}, fmt.Errorf("%w: group packet of %d bytes", ErrInvalidTelegram, len(b))
	}
	src := binary.BigEndian.Uint16(b[0:2])
	t := Telegram{
		Source:      fmt.Sprintf("%d.%d.%d", src>>12&0x0F, src>>8&0x0F, src&0xFF),
		Destination: GroupAddressFromUint16(binary.BigEndian.Uint16(b[2:4])),
		APCI:        b[5] & 0xC0,
	}
	switch {
	case len(b) > 6:
		t.Data = append([]byte(nil), b[6:]...)
	case t.IsValue():
		t.Data = []byte{b[5] & shortDataMask}
	}
	return t, nil
}

// encodeMessage wraps payload in a knxd message. The size field counts the
// type and payload but not itself.
func encodeMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // bounded by maxFrameSize
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[headerSize:], payload)
	return buf
}

// readMessage reads one framed knxd message. An oversized frame cannot be
// skipped safely and returns ErrProtocolDesync.
func readMessage(r io.Reader) (uint16, []byte, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(size[:]))
	if n < 2 {
		return 0, nil, fmt.Errorf("%w: message size %d", ErrInvalidTelegram, n)
	}
	if n+2 > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: message size %d", ErrProtocolDesync, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint16(body[0:2]), body[2:], nil
}
