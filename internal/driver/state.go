package driver

import "fmt"

// State is the connection state of a driver instance.
type State int32

// Connection states. There is no terminal state while a driver is loaded;
// failures always lead back to StateWaitCommResource.
const (
	StateNotLoaded State = iota
	StateWaitCommResource
	StateWaitConfig
	StateConnecting
	StateConnected
	StateLostConnection
	StateLostCommResource
)

var stateNames = [...]string{
	StateNotLoaded:        "not_loaded",
	StateWaitCommResource: "wait_comm_resource",
	StateWaitConfig:       "wait_config",
	StateConnecting:       "connecting",
	StateConnected:        "connected",
	StateLostConnection:   "lost_connection",
	StateLostCommResource: "lost_comm_resource",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	p, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// ParseState parses a state name such as "connected".
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateNotLoaded, fmt.Errorf("driver: unknown state %q", name)
}

// ConnectResult is returned by Driver.Connect.
type ConnectResult int

const (
	// ConnectSuccess moves the driver to StateConnected.
	ConnectSuccess ConnectResult = iota
	// ConnectRetry keeps the driver in StateConnecting and retries later.
	ConnectRetry
	// ConnectFatal releases the resource and starts over.
	ConnectFatal
)

// PollResult is returned by Driver.Poll.
type PollResult int

const (
	// PollOK keeps the driver connected.
	PollOK PollResult = iota
	// PollLostConnection means the device stopped responding.
	PollLostConnection
	// PollLostCommResource means the transport itself failed.
	PollLostCommResource
)

// Verbosity controls how chatty a driver's logging is.
type Verbosity int32

const (
	VerbosityLow Verbosity = iota
	VerbosityMedium
	VerbosityHigh
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityLow:
		return "low"
	case VerbosityMedium:
		return "medium"
	case VerbosityHigh:
		return "high"
	}
	return fmt.Sprintf("verbosity(%d)", int32(v))
}

// ParseVerbosity parses "low", "medium" or "high".
func ParseVerbosity(s string) (Verbosity, error) {
	switch s {
	case "low", "off":
		return VerbosityLow, nil
	case "medium":
		return VerbosityMedium, nil
	case "high":
		return VerbosityHigh, nil
	}
	return 0, fmt.Errorf("driver: unknown verbosity %q", s)
}
