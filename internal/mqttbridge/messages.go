package mqttbridge

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
)

// CommandMessage is a field write received on a command topic.
type CommandMessage struct {
	// ID correlates the ack. One is generated when empty.
	ID string `json:"id,omitempty"`

	Value any `json:"value"`

	// Wait is "blocking" (default) or "fire_and_forget".
	Wait string `json:"wait,omitempty"`

	// TimeoutMS bounds a blocking write. Zero uses the bridge default.
	TimeoutMS int `json:"timeout_ms,omitempty"`

	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	// AckAccepted means the write was committed (blocking) or queued
	// (fire and forget).
	AckAccepted AckStatus = "accepted"

	// AckFailed means the write was refused.
	AckFailed AckStatus = "failed"

	// AckTimeout means the driver did not complete the write in time.
	AckTimeout AckStatus = "timeout"
)

// Error codes carried in AckError.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeRejected          = "REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeHostError         = "HOST_ERROR"
)

// AckMessage answers one CommandMessage.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Moniker   string    `json:"moniker"`
	Field     string    `json:"field"`
	Status    AckStatus `json:"status"`
	Serial    uint32    `json:"serial,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is the retained value of one field.
type StateMessage struct {
	Moniker   string    `json:"moniker"`
	Field     string    `json:"field"`
	Value     any       `json:"value"`
	Display   string    `json:"display"`
	Serial    uint32    `json:"serial"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverStatusMessage is the retained connection state of a driver.
type DriverStatusMessage struct {
	Moniker   string    `json:"moniker"`
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the host's overall status.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published on the host status topic.
type HealthMessage struct {
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version"`
	Timestamp        time.Time    `json:"timestamp"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	Drivers          int          `json:"drivers"`
	DriversConnected int          `json:"drivers_connected"`
	Reason           string       `json:"reason,omitempty"`
}

// NewStateMessage converts a poll snapshot.
func NewStateMessage(s poll.Snapshot) StateMessage {
	msg := StateMessage{
		Moniker:   s.Moniker,
		Field:     s.Field,
		Display:   s.Display(),
		Serial:    s.Serial,
		Status:    s.Status.String(),
		State:     s.State.String(),
		Timestamp: time.Now().UTC(),
	}
	if s.Status == poll.StatusOK {
		msg.Value = s.Value
	}
	return msg
}

// classify maps a write error to an ack status and error code.
func classify(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, driver.ErrTimeout):
		return AckTimeout, ErrCodeTimeout
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrInvalidTopic):
		return AckFailed, ErrCodeInvalidCommand
	case errors.Is(err, field.ErrReadOnly), errors.Is(err, field.ErrOutOfRange), errors.Is(err, field.ErrTypeMismatch):
		return AckFailed, ErrCodeInvalidParameters
	case errors.Is(err, field.ErrUnknownField), errors.Is(err, host.ErrUnknownDevice):
		return AckFailed, ErrCodeNotConfigured
	case errors.Is(err, driver.ErrNotConnected), errors.Is(err, driver.ErrStopped), errors.Is(err, driver.ErrQueueFull):
		return AckFailed, ErrCodeDeviceUnreachable
	case errors.Is(err, driver.ErrWriteRejected):
		return AckFailed, ErrCodeRejected
	}
	return AckFailed, ErrCodeHostError
}
