package knx

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

func TestParseGroupAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"1/2/3", 0x0A03, false},
		{"31/7/255", 0xFFFF, false},
		{"0/0/0", 0, false},
		{"32/0/0", 0, true},
		{"1/8/0", 0, true},
		{"1/2", 0, true},
		{"a/b/c", 0, true},
	}
	for _, tt := range tests {
		ga, err := ParseGroupAddress(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidGroupAddress) {
				t.Errorf("ParseGroupAddress(%q) error = %v", tt.in, err)
			}
			continue
		}
		if err != nil || ga.Uint16() != tt.want {
			t.Errorf("ParseGroupAddress(%q) = %04X, %v; want %04X", tt.in, ga.Uint16(), err, tt.want)
		}
		if back := GroupAddressFromUint16(ga.Uint16()); back.String() != tt.in {
			t.Errorf("round trip %q = %q", tt.in, back)
		}
	}
}

func TestDPT9(t *testing.T) {
	tests := []struct {
		value float64
		bytes [2]byte
	}{
		{0, [2]byte{0x00, 0x00}},
		{21.0, [2]byte{0x0C, 0x1A}},
		{-1.0, [2]byte{0x87, 0x9C}},
		{0.5, [2]byte{0x00, 0x32}},
	}
	for _, tt := range tests {
		b, err := EncodeDPT9(tt.value)
		if err != nil || [2]byte(b) != tt.bytes {
			t.Errorf("EncodeDPT9(%v) = %X, %v; want %X", tt.value, b, err, tt.bytes)
		}
		v, err := DecodeDPT9(tt.bytes[:])
		if err != nil || v != tt.value {
			t.Errorf("DecodeDPT9(%X) = %v, %v; want %v", tt.bytes, v, err, tt.value)
		}
	}
	if _, err := DecodeDPT9([]byte{0x7F, 0xFF}); !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("DecodeDPT9(0x7FFF) error = %v", err)
	}
	if _, err := EncodeDPT9(1e9); !errors.Is(err, ErrEncodingFailed) {
		t.Errorf("EncodeDPT9(1e9) error = %v", err)
	}
}

func TestDPT_FieldMapping(t *testing.T) {
	tests := []struct {
		dpt  DPT
		typ  field.Type
		in   any
		data []byte
	}{
		{DPTSwitch, field.TypeBool, true, []byte{0x01}},
		{DPTPercentage, field.TypeFloat, 100.0, []byte{0xFF}},
		{DPTPercentU8, field.TypeInt, int64(200), []byte{0xC8}},
		{DPTSceneNumber, field.TypeInt, int64(5), []byte{0x05}},
		{DPTTemperature, field.TypeFloat, 21.0, []byte{0x0C, 0x1A}},
	}
	for _, tt := range tests {
		typ, err := tt.dpt.FieldType()
		if err != nil || typ != tt.typ {
			t.Errorf("%s FieldType() = %s, %v", tt.dpt, typ, err)
		}
		b, err := tt.dpt.Encode(tt.in)
		if err != nil || string(b) != string(tt.data) {
			t.Errorf("%s Encode(%v) = %X, %v", tt.dpt, tt.in, b, err)
		}
		v, err := tt.dpt.Decode(tt.data)
		if err != nil || v != tt.in {
			t.Errorf("%s Decode(%X) = %v, %v", tt.dpt, tt.data, v, err)
		}
	}
	if _, err := DPT("16.000").FieldType(); !errors.Is(err, ErrInvalidDPT) {
		t.Errorf("unsupported DPT error = %v", err)
	}
	if _, err := DPTSwitch.Encode(1.5); !errors.Is(err, ErrEncodingFailed) {
		t.Errorf("Encode type mismatch error = %v", err)
	}
}

func TestGroupPacketFraming(t *testing.T) {
	ga, _ := ParseGroupAddress("1/2/3")
	short := Telegram{Destination: ga, APCI: APCIWrite, Data: []byte{0x01}}
	if got := short.encodeGroupPacket(); string(got) != string([]byte{0x0A, 0x03, 0x00, 0x81}) {
		t.Errorf("short write = %X", got)
	}
	long := Telegram{Destination: ga, APCI: APCIWrite, Data: []byte{0x0C, 0x1A}}
	if got := long.encodeGroupPacket(); string(got) != string([]byte{0x0A, 0x03, 0x00, 0x80, 0x0C, 0x1A}) {
		t.Errorf("long write = %X", got)
	}

	rx, err := parseGroupPacket([]byte{0x11, 0x05, 0x0A, 0x03, 0x00, 0x41})
	if err != nil {
		t.Fatalf("parseGroupPacket() error = %v", err)
	}
	if rx.Source != "1.1.5" || rx.Destination != ga || rx.APCI != APCIResponse || string(rx.Data) != "\x01" {
		t.Errorf("parsed = %+v", rx)
	}
	if _, err := parseGroupPacket([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidTelegram) {
		t.Errorf("short packet error = %v", err)
	}
}
