package host

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
)

// monikerPattern restricts monikers to characters safe in MQTT topics and URLs.
var monikerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Logger defines the logging interface used by the Host.
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

// Options configures a Host.
type Options struct {
	// Driver timing applied to every instance.
	Driver driver.Options

	// CommandTimeout bounds blocking RPC calls that do not pass their own.
	CommandTimeout time.Duration
}

// Summary describes one loaded driver.
type Summary struct {
	Moniker     string       `json:"moniker"`
	Type        string       `json:"type"`
	State       driver.State `json:"state"`
	DriverID    uint32       `json:"driver_id"`
	FieldListID uint32       `json:"field_list_id"`
	Verbosity   string       `json:"verbosity"`
	Stats       driver.Stats `json:"stats"`
}

// Host owns the roster of loaded drivers.
//
// Roster changes (Load, Unload, Reload) are serialised and each bumps the
// driver-list id. Every load assigns a fresh driver id, so callers caching
// field ids can tell a reloaded driver from the one they resolved against.
type Host struct {
	factories *Factories
	opts      Options
	logger    Logger
	driverLog func(moniker string) driver.Logger

	rosterMu  sync.Mutex
	mu        sync.RWMutex
	instances map[string]*driver.Instance
	closed    bool

	listID   atomic.Uint32
	driverID atomic.Uint32

	listenersMu sync.RWMutex
	listeners   []driver.StateListener
}

// New creates a host that builds drivers with factories.
func New(factories *Factories, opts Options) *Host {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	return &Host{
		factories: factories,
		opts:      opts,
		logger:    noopLogger{},
		instances: make(map[string]*driver.Instance),
	}
}

// SetLogger sets the logger for the host itself.
func (h *Host) SetLogger(logger Logger) {
	h.logger = logger
}

// SetDriverLogger sets the function that builds a per-driver logger.
func (h *Host) SetDriverLogger(fn func(moniker string) driver.Logger) {
	h.driverLog = fn
}

// OnStateChange registers a listener for state changes of every driver.
func (h *Host) OnStateChange(l driver.StateListener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Host) fanout(moniker string, from, to driver.State) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, l := range h.listeners {
		l(moniker, from, to)
	}
}

// DriverListID returns the current driver-list id.
func (h *Host) DriverListID() uint32 {
	return h.listID.Load()
}

// Load builds and starts a driver. A factory or Init failure aborts only
// this driver.
func (h *Host) Load(_ context.Context, spec driver.Spec) error {
	if !monikerPattern.MatchString(spec.Moniker) {
		return fmt.Errorf("%w: moniker %q", ErrInvalidSpec, spec.Moniker)
	}

	h.rosterMu.Lock()
	defer h.rosterMu.Unlock()

	h.mu.RLock()
	_, exists := h.instances[spec.Moniker]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDeviceExists, spec.Moniker)
	}

	factory, err := h.factories.Lookup(spec.Type)
	if err != nil {
		return err
	}
	drv, err := factory(spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSpec, spec.Moniker, err)
	}

	var logger driver.Logger
	if h.driverLog != nil {
		logger = h.driverLog(spec.Moniker)
	}
	in := driver.NewInstance(spec, h.driverID.Add(1), drv, h.opts.Driver, logger)
	in.SetStateListener(h.fanout)

	// Visible before Start: state listeners may query the driver as soon
	// as it connects.
	h.mu.Lock()
	h.instances[spec.Moniker] = in
	h.mu.Unlock()
	if err := in.Start(); err != nil {
		h.mu.Lock()
		delete(h.instances, spec.Moniker)
		h.mu.Unlock()
		return err
	}
	h.listID.Add(1)

	h.logger.Info("driver loaded", "moniker", spec.Moniker, "type", spec.Type, "driver_id", in.DriverID())
	return nil
}

// LoadAll loads every enabled spec. Failures are logged and returned
// joined; the remaining drivers still load.
func (h *Host) LoadAll(ctx context.Context, specs []driver.Spec) (int, error) {
	var errs []error
	loaded := 0
	for _, spec := range specs {
		if !spec.Enabled {
			h.logger.Debug("driver disabled, skipping", "moniker", spec.Moniker)
			continue
		}
		if err := h.Load(ctx, spec); err != nil {
			h.logger.Error("driver load failed", "moniker", spec.Moniker, "type", spec.Type, "error", err)
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Unload stops a driver and removes it from the roster.
func (h *Host) Unload(_ context.Context, moniker string) error {
	h.rosterMu.Lock()
	defer h.rosterMu.Unlock()
	return h.unloadLocked(moniker)
}

func (h *Host) unloadLocked(moniker string) error {
	h.mu.Lock()
	in, ok := h.instances[moniker]
	if ok {
		delete(h.instances, moniker)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, moniker)
	}
	h.listID.Add(1)

	err := in.Stop()
	h.logger.Info("driver unloaded", "moniker", moniker)
	return err
}

// Reload unloads a driver and loads it again from the same spec.
// The field set may change and the driver id always does.
func (h *Host) Reload(ctx context.Context, moniker string) error {
	in, err := h.Instance(moniker)
	if err != nil {
		return err
	}
	spec := in.Spec()
	if err := h.Unload(ctx, moniker); err != nil && !errors.Is(err, driver.ErrStopTimeout) {
		return err
	}
	return h.Load(ctx, spec)
}

// Close unloads every driver.
func (h *Host) Close() error {
	h.rosterMu.Lock()
	defer h.rosterMu.Unlock()

	h.mu.Lock()
	h.closed = true
	monikers := make([]string, 0, len(h.instances))
	for m := range h.instances {
		monikers = append(monikers, m)
	}
	h.mu.Unlock()

	var errs []error
	for _, m := range monikers {
		if err := h.unloadLocked(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instance returns the loaded instance for moniker.
func (h *Host) Instance(moniker string) (*driver.Instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	in, ok := h.instances[moniker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, moniker)
	}
	return in, nil
}

// Monikers returns the loaded monikers in sorted order.
func (h *Host) Monikers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.instances))
	for m := range h.instances {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Drivers summarises every loaded driver.
func (h *Host) Drivers() []Summary {
	monikers := h.Monikers()
	out := make([]Summary, 0, len(monikers))
	for _, m := range monikers {
		if s, err := h.Describe(m); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Describe summarises one driver.
func (h *Host) Describe(moniker string) (Summary, error) {
	in, err := h.Instance(moniker)
	if err != nil {
		return Summary{}, err
	}
	spec := in.Spec()
	return Summary{
		Moniker:     spec.Moniker,
		Type:        spec.Type,
		State:       in.State(),
		DriverID:    in.DriverID(),
		FieldListID: in.Fields().ListID(),
		Verbosity:   in.Verbosity().String(),
		Stats:       in.Stats(),
	}, nil
}
