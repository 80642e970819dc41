package knx

import (
	"fmt"
	"math"
	"strings"

	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

const (
	dpt5MaxValue     = 255
	dpt9MaxExponent  = 15
	dpt9MantissaMask = 0x07FF
	dpt9Invalid      = 0x7FFF
	dpt17MaxScene    = 63
)

// DPT is a KNX datapoint type identifier, "major.minor".
type DPT string

// Datapoint types understood by the driver.
const (
	DPTSwitch      DPT = "1.001"
	DPTBool        DPT = "1.002"
	DPTPercentage  DPT = "5.001"
	DPTPercentU8   DPT = "5.004"
	DPTTemperature DPT = "9.001"
	DPTLux         DPT = "9.004"
	DPTHumidity    DPT = "9.007"
	DPTSceneNumber DPT = "17.001"
)

// Major returns the main number of the type, e.g. "9" for "9.001".
func (d DPT) Major() string {
	major, _, _ := strings.Cut(string(d), ".")
	return major
}

// FieldType returns the host field type values of d are held as.
func (d DPT) FieldType() (field.Type, error) {
	switch {
	case d.Major() == "1":
		return field.TypeBool, nil
	case d == DPTPercentage:
		return field.TypeFloat, nil
	case d == DPTPercentU8, d.Major() == "17":
		return field.TypeInt, nil
	case d.Major() == "9":
		return field.TypeFloat, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDPT, string(d))
}

// Limits returns the value range the datapoint type can carry.
func (d DPT) Limits() *field.Limits {
	switch {
	case d == DPTPercentage:
		return field.Range(0, 100)
	case d == DPTPercentU8:
		return field.Range(0, dpt5MaxValue)
	case d.Major() == "17":
		return field.Range(0, dpt17MaxScene)
	case d.Major() == "9":
		return field.Range(-671088.64, 670760.96)
	}
	return nil
}

// Encode converts a normalized field value into bus data.
func (d DPT) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case bool:
		if d.Major() == "1" {
			return EncodeDPT1(x), nil
		}
	case float64:
		switch {
		case d == DPTPercentage:
			return EncodeDPT5(x), nil
		case d.Major() == "9":
			return EncodeDPT9(x)
		}
	case int64:
		switch {
		case d == DPTPercentU8:
			if x < 0 || x > dpt5MaxValue {
				return nil, fmt.Errorf("%w: %d out of range for %s", ErrEncodingFailed, x, d)
			}
			return []byte{byte(x)}, nil
		case d.Major() == "17":
			if x < 0 || x > dpt17MaxScene {
				return nil, fmt.Errorf("%w: scene %d out of range", ErrEncodingFailed, x)
			}
			return []byte{byte(x)}, nil
		}
	}
	return nil, fmt.Errorf("%w: %T for %s", ErrEncodingFailed, v, d)
}

// Decode converts bus data into a value of the type FieldType reports.
func (d DPT) Decode(data []byte) (any, error) {
	switch {
	case d.Major() == "1":
		return DecodeDPT1(data)
	case d == DPTPercentage:
		return DecodeDPT5(data)
	case d == DPTPercentU8:
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: %s requires 1 byte", ErrDecodingFailed, d)
		}
		return int64(data[0]), nil
	case d.Major() == "17":
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: %s requires 1 byte", ErrDecodingFailed, d)
		}
		return int64(data[0] & dpt17MaxScene), nil
	case d.Major() == "9":
		return DecodeDPT9(data)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidDPT, string(d))
}

// EncodeDPT1 encodes a 1-bit value.
func EncodeDPT1(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeDPT1 decodes a 1-bit value.
func DecodeDPT1(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, fmt.Errorf("%w: DPT1 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return data[0]&0x01 != 0, nil
}

// EncodeDPT5 scales a percentage (clamped to 0-100) to one byte.
func EncodeDPT5(percent float64) []byte {
	percent = min(max(percent, 0), 100)
	return []byte{uint8(math.Round(percent * dpt5MaxValue / 100))}
}

// DecodeDPT5 scales one byte to a percentage.
func DecodeDPT5(data []byte) (float64, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT5 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return float64(data[0]) * 100 / dpt5MaxValue, nil
}

// EncodeDPT9 encodes the KNX 2-byte float:
//
//	SEEE EMMM MMMM MMMM, value = 0.01 × M × 2^E
func EncodeDPT9(v float64) ([]byte, error) {
	if v < -671088.64 || v > 670760.96 || math.IsNaN(v) {
		return nil, fmt.Errorf("%w: DPT9 value out of range: %.2f", ErrEncodingFailed, v)
	}

	var sign uint16
	mantissa := v * 100
	if v < 0 {
		sign = 0x8000
	}

	exp := 0
	for mantissa < -2048 || mantissa > 2047 {
		mantissa /= 2
		exp++
	}
	if exp > dpt9MaxExponent {
		return nil, fmt.Errorf("%w: DPT9 exponent overflow for %.2f", ErrEncodingFailed, v)
	}

	m := int16(math.Round(mantissa))
	encoded := sign | uint16(exp)<<11 | uint16(m)&dpt9MantissaMask //nolint:gosec // exp bounded above
	return []byte{byte(encoded >> 8), byte(encoded)}, nil
}

// DecodeDPT9 decodes the KNX 2-byte float. 0x7FFF is the "no value" sentinel.
func DecodeDPT9(data []byte) (float64, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: DPT9 requires 2 bytes, got %d", ErrDecodingFailed, len(data))
	}
	raw := uint16(data[0])<<8 | uint16(data[1])
	if raw == dpt9Invalid {
		return 0, fmt.Errorf("%w: DPT9 invalid value 0x7FFF", ErrDecodingFailed)
	}

	exp := (raw >> 11) & 0x0F
	mantissa := int16(raw & dpt9MantissaMask) //nolint:gosec // 11-bit value
	if raw&0x8000 != 0 {
		mantissa |= -0x800
	}
	v := float64(mantissa) * 0.01 * math.Pow(2, float64(exp))
	return math.Round(v*100) / 100, nil
}
