package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementField  = "field_value"
	measurementDriver = "driver_state"
)

// WriteFieldChange records a field's new value. Numeric values are stored
// as floats and bools as 0/1; other types have no useful series and are
// skipped. The write is non-blocking and batched.
//
// Example:
//
//	client.WriteFieldChange("thermo1", "Temp", 21.5)
//	client.WriteFieldChange("thermo1", "Power", true)
func (c *Client) WriteFieldChange(moniker, field string, value any) {
	if !c.IsConnected() {
		return
	}
	if p, ok := fieldPoint(moniker, field, value, time.Now()); ok {
		c.writeAPI.WritePoint(p)
	}
}

// WriteDriverState records a driver connection-state transition.
func (c *Client) WriteDriverState(moniker, state string, connected bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		measurementDriver,
		map[string]string{"driver": moniker},
		map[string]any{"state": state, "connected": connected},
		time.Now(),
	))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func fieldPoint(moniker, field string, value any, at time.Time) (*write.Point, bool) {
	v, ok := numeric(value)
	if !ok {
		return nil, false
	}
	return write.NewPoint(
		measurementField,
		map[string]string{"driver": moniker, "field": field},
		map[string]any{"value": v},
		at,
	), true
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}
