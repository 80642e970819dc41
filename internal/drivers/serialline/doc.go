// Package serialline drives devices that speak a line-oriented ASCII
// protocol over a serial port: projectors, AV receivers, pool controllers
// and the like.
//
// Each point is described by three optional templates. Query is sent to
// ask the device for the current value, Set is sent on a write with
// "{value}" substituted, and Report is a regular expression whose first
// capture group extracts the value from any line the device emits, whether
// it answers a query or arrives unsolicited.
//
// Liveness is checked with a probe command: when the line has been quiet
// for ProbeInterval the probe is sent, and a reply matching ProbeReply must
// arrive within ProbeTimeout.
package serialline
