// Package modbus polls Modbus TCP and RTU devices.
//
// Each configured point maps one coil, discrete input, input register or
// holding register to a field. Register points decode uint16, int16,
// uint32, int32 and float32 values with a configurable word order
// (ABCD, DCBA, BADC, CDAB) and apply value*scale + offset.
//
// Caller writes are committed to the field registry and pushed to the
// device at the start of the next Poll, so a burst of writes to one point
// results in a single bus transaction.
package modbus
