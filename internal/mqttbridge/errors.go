package mqttbridge

import "errors"

var (
	// ErrInvalidTopic is returned for a command on a malformed topic.
	ErrInvalidTopic = errors.New("mqttbridge: invalid command topic")

	// ErrInvalidCommand is returned for an undecodable command payload.
	ErrInvalidCommand = errors.New("mqttbridge: invalid command")

	// ErrStopped acks a command that arrives after Stop or is still waiting
	// for an execution slot when Stop runs.
	ErrStopped = errors.New("mqttbridge: stopped")
)
