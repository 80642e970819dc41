package poll

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Placeholder is what Display shows for a field without a current value.
const Placeholder = "???"

// Status classifies a cached field snapshot.
type Status int

const (
	// StatusUnknown means no value has been fetched yet.
	StatusUnknown Status = iota
	// StatusOK means Value is the driver's latest committed value.
	StatusOK
	// StatusOffline means the device is not connected.
	StatusOffline
	// StatusNoSuchField means the driver does not define the field.
	StatusNoSuchField
	// StatusError means the device could not be queried.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOK:
		return "ok"
	case StatusOffline:
		return "offline"
	case StatusNoSuchField:
		return "no_such_field"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for c := StatusUnknown; c <= StatusError; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("poll: unknown status %q", b)
}

// Snapshot is a subscriber's view of one field.
type Snapshot struct {
	Moniker string       `json:"moniker"`
	Field   string       `json:"field"`
	Type    field.Type   `json:"-"`
	Value   any          `json:"value"`
	Serial  uint32       `json:"serial"`
	Status  Status       `json:"status"`
	State   driver.State `json:"state"`
}

// Display renders the value, or Placeholder when there is none.
func (s Snapshot) Display() string {
	if s.Status != StatusOK {
		return Placeholder
	}
	switch v := s.Value.(type) {
	case time.Time:
		return v.Format(time.RFC3339)
	case []byte:
		return fmt.Sprintf("%x", v)
	}
	return fmt.Sprint(s.Value)
}

func (s Snapshot) same(o Snapshot) bool {
	return s.Status == o.Status && s.Serial == o.Serial && s.State == o.State
}

// Handle is one subscriber's interest in a field.
type Handle struct {
	e       *Engine
	moniker string
	key     string
	once    sync.Once
}

// Moniker returns the subscribed device.
func (h *Handle) Moniker() string { return h.moniker }

// Snapshot returns the cached state of the field.
func (h *Handle) Snapshot() (Snapshot, error) {
	return h.e.snapshot(h.moniker, h.key)
}

// Close releases the subscription. It is safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() { h.e.release(h.moniker, h.key) })
}
