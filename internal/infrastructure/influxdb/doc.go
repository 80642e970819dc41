// Package influxdb records field-change telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched writes and health monitoring.
//
// # Series
//
//   - field_value{driver, field} value: every numeric or bool field change
//     the polling engine observes
//   - driver_state{driver} state, connected: connection-state transitions
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteFieldChange("thermo1", "Temp", 21.5)
//
// # Error Handling
//
// Writes are non-blocking. Batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
