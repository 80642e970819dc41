package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Register data types.
const (
	TypeUint16  = "uint16"
	TypeInt16   = "int16"
	TypeUint32  = "uint32"
	TypeInt32   = "int32"
	TypeFloat32 = "float32"
)

// registerCount returns how many 16-bit registers a data type spans.
func registerCount(dataType string) (uint16, error) {
	switch dataType {
	case TypeUint16, TypeInt16:
		return 1, nil
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2, nil
	}
	return 0, fmt.Errorf("%w: unsupported data type %q", ErrInvalidConfig, dataType)
}

// validByteOrder reports whether order is one of the supported word orders.
func validByteOrder(order string) bool {
	switch order {
	case "", "ABCD", "DCBA", "BADC", "CDAB":
		return true
	}
	return false
}

// reorder32 maps between device order and big-endian ABCD. Every supported
// order is its own inverse, so the same call encodes and decodes.
func reorder32(in []byte, order string) []byte {
	out := make([]byte, 4)
	switch strings.ToUpper(order) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out, in[:4])
	}
	return out
}

// decodeRaw returns the unscaled register value.
func decodeRaw(data []byte, dataType, order string) (float64, error) {
	n, err := registerCount(dataType)
	if err != nil {
		return 0, err
	}
	if len(data) < int(n)*2 {
		return 0, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortResponse, dataType, n*2, len(data))
	}

	switch dataType {
	case TypeUint16:
		return float64(binary.BigEndian.Uint16(data)), nil
	case TypeInt16:
		return float64(int16(binary.BigEndian.Uint16(data))), nil //nolint:gosec // two's complement reinterpretation
	}

	u := binary.BigEndian.Uint32(reorder32(data, order))
	switch dataType {
	case TypeUint32:
		return float64(u), nil
	case TypeInt32:
		return float64(int32(u)), nil //nolint:gosec // two's complement reinterpretation
	default:
		return float64(math.Float32frombits(u)), nil
	}
}

// encodeRaw converts an unscaled value to register bytes in device order.
func encodeRaw(v float64, dataType, order string) ([]byte, error) {
	if dataType != TypeFloat32 {
		v = math.Round(v)
	}
	lo, hi := rawRange(dataType)
	if v < lo || v > hi || math.IsNaN(v) {
		return nil, fmt.Errorf("%w: %v does not fit %s", ErrValueRange, v, dataType)
	}

	switch dataType {
	case TypeUint16:
		return binary.BigEndian.AppendUint16(nil, uint16(v)), nil
	case TypeInt16:
		return binary.BigEndian.AppendUint16(nil, uint16(int16(v))), nil //nolint:gosec // range checked above
	}

	var u uint32
	switch dataType {
	case TypeUint32:
		u = uint32(v)
	case TypeInt32:
		u = uint32(int32(v)) //nolint:gosec // range checked above
	default:
		u = math.Float32bits(float32(v))
	}
	return reorder32(binary.BigEndian.AppendUint32(nil, u), order), nil
}

func rawRange(dataType string) (lo, hi float64) {
	switch dataType {
	case TypeUint16:
		return 0, math.MaxUint16
	case TypeInt16:
		return math.MinInt16, math.MaxInt16
	case TypeUint32:
		return 0, math.MaxUint32
	case TypeInt32:
		return math.MinInt32, math.MaxInt32
	}
	return -math.MaxFloat32, math.MaxFloat32
}
