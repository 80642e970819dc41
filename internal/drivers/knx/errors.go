package knx

import "errors"

// Domain errors for the KNX driver.
var (
	// ErrInvalidGroupAddress is returned when a group address string
	// cannot be parsed.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidDPT is returned when a datapoint type is not supported.
	ErrInvalidDPT = errors.New("knx: invalid datapoint type")

	// ErrEncodingFailed is returned when a value cannot be encoded.
	ErrEncodingFailed = errors.New("knx: encoding failed")

	// ErrDecodingFailed is returned when bus data cannot be decoded.
	ErrDecodingFailed = errors.New("knx: decoding failed")

	// ErrInvalidTelegram is returned when a frame from knxd is malformed.
	ErrInvalidTelegram = errors.New("knx: invalid telegram")

	// ErrConnectionFailed is returned when knxd cannot be reached or the
	// group socket handshake fails.
	ErrConnectionFailed = errors.New("knx: connection to knxd failed")

	// ErrProtocolDesync is returned when the byte stream can no longer be
	// framed. The connection must be dropped.
	ErrProtocolDesync = errors.New("knx: protocol desync")

	// ErrInvalidConfig is returned for unusable driver parameters.
	ErrInvalidConfig = errors.New("knx: invalid configuration")
)
