// Package knx drives KNX group objects through a knxd group socket.
//
// Each configured point maps one group address and datapoint type to a
// host field. AcquireResource dials knxd and opens the group socket,
// Connect confirms the bus answers a read of the probe address, and Poll
// applies telegrams that arrived since the last step. A silent bus is
// probed again after ProbeInterval; no answer within ProbeTimeout counts
// as a lost connection.
//
// Supported datapoint types:
//
//	1.xxx   bool    1 bit
//	5.001   float   percentage, 0-100
//	5.004   int     raw byte, 0-255
//	9.xxx   float   2-byte float (temperature, lux, humidity)
//	17.001  int     scene number, 0-63
package knx
