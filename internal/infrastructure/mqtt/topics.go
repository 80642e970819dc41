package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every driver host topic.
const TopicPrefix = "graylogic/driverhost"

// Topics provides builders for driver host MQTT topics.
// Using these helpers keeps topic naming consistent between the publisher
// and anything that parses topics back.
//
//	topics := mqtt.Topics{}
//	topics.FieldState("thermo1", "Setpoint")
//	// Returns: "graylogic/driverhost/state/thermo1/Setpoint"
type Topics struct{}

// FieldState returns the retained topic carrying a field's latest value.
//
// Example: graylogic/driverhost/state/thermo1/Setpoint
func (Topics) FieldState(moniker, field string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, moniker, field)
}

// DriverStatus returns the retained topic carrying a driver's connection state.
//
// Example: graylogic/driverhost/driver/thermo1/status
func (Topics) DriverStatus(moniker string) string {
	return fmt.Sprintf("%s/driver/%s/status", TopicPrefix, moniker)
}

// FieldCommand returns the topic remote callers publish field writes to.
//
// Example: graylogic/driverhost/command/thermo1/Setpoint
func (Topics) FieldCommand(moniker, field string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, moniker, field)
}

// AllFieldCommands returns the wildcard subscription for every field write.
//
// Example: graylogic/driverhost/command/+/+
func (Topics) AllFieldCommands() string {
	return TopicPrefix + "/command/+/+"
}

// CommandAck returns the topic write acknowledgements are published on.
//
// Example: graylogic/driverhost/ack/thermo1
func (Topics) CommandAck(moniker string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, moniker)
}

// HostStatus returns the host's online/offline topic (also the LWT topic).
//
// Example: graylogic/driverhost/status
func (Topics) HostStatus() string {
	return TopicPrefix + "/status"
}

// ParseFieldCommand splits a command topic into its moniker and field.
// ok is false for anything that is not a well-formed command topic.
func ParseFieldCommand(topic string) (moniker, field string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !found {
		return "", "", false
	}
	moniker, field, found = strings.Cut(rest, "/")
	if !found || moniker == "" || field == "" || strings.Contains(field, "/") {
		return "", "", false
	}
	return moniker, field, true
}
