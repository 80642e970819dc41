package driver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Logger defines the logging interface used by driver instances.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Driver is the capability interface every device driver implements.
//
// All methods are called from the instance's own goroutine, never
// concurrently. ctx is cancelled when the driver is being unloaded, so
// blocking transport I/O must honour it.
type Driver interface {
	// Init registers the driver's field set via env.Fields. An error aborts
	// the load of this driver only.
	Init(env *Env) error

	// AcquireResource opens the transport (socket, serial port, database).
	AcquireResource(ctx context.Context) error

	// ReleaseResource closes whatever AcquireResource opened.
	ReleaseResource()

	// WaitConfig reports whether the driver has the configuration it needs.
	WaitConfig(ctx context.Context) (bool, error)

	// Connect performs the device handshake.
	Connect(ctx context.Context) (ConnectResult, error)

	// Poll reads pending device messages, probes liveness and writes
	// dirty output fields.
	Poll(ctx context.Context) (PollResult, error)
}

// Typed field-write callbacks. When a driver implements the callback for a
// field's type, it is invoked before the value is committed and an error
// rejects the write. Otherwise the value is committed and left dirty for
// the driver's next Poll.
type (
	BoolWriter interface {
		WriteBool(ctx context.Context, def field.Def, v bool) error
	}
	IntWriter interface {
		WriteInt(ctx context.Context, def field.Def, v int64) error
	}
	FloatWriter interface {
		WriteFloat(ctx context.Context, def field.Def, v float64) error
	}
	StringWriter interface {
		WriteString(ctx context.Context, def field.Def, v string) error
	}
	StringListWriter interface {
		WriteStringList(ctx context.Context, def field.Def, v []string) error
	}
	TimeWriter interface {
		WriteTime(ctx context.Context, def field.Def, v time.Time) error
	}
	BinaryWriter interface {
		WriteBinary(ctx context.Context, def field.Def, v []byte) error
	}
)

// BackdoorHandler is implemented by drivers that accept driver-specific
// operations outside the field model.
type BackdoorHandler interface {
	Backdoor(ctx context.Context, op string, payload []byte) ([]byte, error)
}

// Base provides default hooks for drivers that need no resource or
// configuration step. Embed it and override what the device needs.
type Base struct{}

func (Base) AcquireResource(context.Context) error { return nil }

func (Base) ReleaseResource() {}

func (Base) WaitConfig(context.Context) (bool, error) { return true, nil }

func (Base) Connect(context.Context) (ConnectResult, error) { return ConnectSuccess, nil }

// Env is the view of its instance handed to a driver at Init.
type Env struct {
	Moniker string
	Fields  *field.Registry
	Logger  Logger

	verbosity *atomic.Int32
	pollEvery *atomic.Int64
}

// Verbose reports whether messages at level should be logged.
func (e *Env) Verbose(level Verbosity) bool {
	return Verbosity(e.verbosity.Load()) >= level
}

// SetPollInterval overrides the instance poll interval.
func (e *Env) SetPollInterval(d time.Duration) {
	if d > 0 {
		e.pollEvery.Store(int64(d))
	}
}

// Spec describes one driver to load.
type Spec struct {
	Moniker string         `json:"moniker" yaml:"moniker"`
	Type    string         `json:"type" yaml:"type"`
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// DecodeParams decodes the free-form params into a driver's typed config.
func (s Spec) DecodeParams(v any) error {
	if len(s.Params) == 0 {
		return nil
	}
	b, err := yaml.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding params for %s: %w", s.Moniker, err)
	}
	return nil
}

// Factory builds a driver from its spec.
type Factory func(spec Spec) (Driver, error)

// Versions are the identifiers that version a driver's field set.
type Versions struct {
	FieldListID  uint32 `json:"field_list_id"`
	DriverID     uint32 `json:"driver_id"`
	DriverListID uint32 `json:"driver_list_id"`
}

// FieldList is the answer to a query-fields call.
type FieldList struct {
	Moniker string      `json:"moniker"`
	Defs    []field.Def `json:"fields"`
	Versions
}

// ChangeSet answers a combined "has anything changed" query: the current
// versions and state of a driver, plus the serials of the requested fields.
// Serials is nil when the requested field list is no longer current.
type ChangeSet struct {
	Versions
	State   State    `json:"state"`
	Serials []uint32 `json:"serials,omitempty"`
}
