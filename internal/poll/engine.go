package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Default engine settings.
const (
	defaultInterval    = time.Second
	defaultConcurrency = 8
)

// Source is what the engine polls. *host.Host implements it.
type Source interface {
	QueryFields(ctx context.Context, moniker string) (driver.FieldList, error)
	CheckChanges(ctx context.Context, moniker string, listID uint32, ids []field.ID) (driver.ChangeSet, error)
	ReadFields(ctx context.Context, moniker string, listID uint32, ids []field.ID) ([]field.Snapshot, error)
}

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures an Engine.
type Options struct {
	// Interval between passes when driven by Run. Default: 1 second.
	Interval time.Duration

	// Concurrency bounds how many devices are queried at once. Default: 8.
	Concurrency int
}

// Stats counts the round trips the engine has made.
type Stats struct {
	Passes  uint64 `json:"passes"`
	Checks  uint64 `json:"checks"`
	Reads   uint64 `json:"reads"`
	Resyncs uint64 `json:"resyncs"`
}

type entry struct {
	name   string
	refs   int
	id     field.ID
	typ    field.Type
	exists bool
	serial uint32
	value  any
	valid  bool
}

type fieldInfo struct {
	id  field.ID
	typ field.Type
}

type device struct {
	moniker   string
	versions  driver.Versions
	synced    bool
	reachable bool
	state     driver.State
	defs      map[string]fieldInfo
	fields    map[string]*entry
}

// Engine is a shared cache of field values for many subscribers.
type Engine struct {
	src    Source
	opts   Options
	logger Logger
	sf     singleflight.Group

	mu      sync.RWMutex
	devices map[string]*device

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)

	passes  atomic.Uint64
	checks  atomic.Uint64
	reads   atomic.Uint64
	resyncs atomic.Uint64
}

// New creates an engine polling src.
func New(src Source, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Engine{
		src:     src,
		opts:    opts,
		logger:  noopLogger{},
		devices: make(map[string]*device),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// OnChange registers fn to be called with the new snapshot of every
// subscribed field whose value, serial or status changed during a pass.
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Stats returns round-trip counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Passes:  e.passes.Load(),
		Checks:  e.checks.Load(),
		Reads:   e.reads.Load(),
		Resyncs: e.resyncs.Load(),
	}
}

func fieldKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Subscribe registers interest in a field. Subscribing to the same pair
// twice shares one cached entry; each handle must be closed.
func (e *Engine) Subscribe(moniker, name string) *Handle {
	k := fieldKey(name)

	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[moniker]
	if !ok {
		d = &device{moniker: moniker, reachable: true, fields: make(map[string]*entry)}
		e.devices[moniker] = d
	}
	en, ok := d.fields[k]
	if !ok {
		en = &entry{name: name}
		if info, known := d.defs[k]; known {
			en.id, en.typ, en.exists = info.id, info.typ, true
		}
		d.fields[k] = en
	}
	en.refs++
	return &Handle{e: e, moniker: moniker, key: k}
}

func (e *Engine) release(moniker, k string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[moniker]
	if !ok {
		return
	}
	en, ok := d.fields[k]
	if !ok {
		return
	}
	en.refs--
	if en.refs > 0 {
		return
	}
	delete(d.fields, k)
	if len(d.fields) == 0 {
		delete(e.devices, moniker)
	}
}

// Subscriptions returns the number of distinct (device, field) entries.
func (e *Engine) Subscriptions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, d := range e.devices {
		n += len(d.fields)
	}
	return n
}

// CheckState reports whether a device is connected. Watched devices answer
// from the last pass; any other device is asked directly. A device the
// source cannot answer for reports StateNotLoaded.
func (e *Engine) CheckState(ctx context.Context, moniker string) (bool, driver.State) {
	e.mu.RLock()
	d, ok := e.devices[moniker]
	if ok && d.synced && d.reachable {
		st := d.state
		e.mu.RUnlock()
		return st == driver.StateConnected, st
	}
	e.mu.RUnlock()

	cs, err := e.src.CheckChanges(ctx, moniker, 0, nil)
	if err != nil {
		return false, driver.StateNotLoaded
	}
	return cs.State == driver.StateConnected, cs.State
}

// Run calls PollOnce every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PollOnce(ctx); err != nil {
				e.logger.Debug("poll pass had errors", "error", err)
			}
		}
	}
}

// PollOnce refreshes every subscribed field. Concurrent calls share a
// single pass.
func (e *Engine) PollOnce(ctx context.Context) error {
	_, err, _ := e.sf.Do("poll", func() (any, error) {
		return nil, e.pass(ctx)
	})
	return err
}

// plan is the cached view of one device taken at the start of a pass.
type plan struct {
	moniker  string
	versions driver.Versions
	synced   bool
	keys     []string
	ids      []field.ID
	serials  []uint32
}

// update is the result of querying one device, applied in one step.
type update struct {
	moniker   string
	reachable bool
	state     driver.State
	versions  driver.Versions
	resynced  bool
	defs      map[string]fieldInfo
	values    map[string]field.Snapshot
}

func (e *Engine) pass(ctx context.Context) error {
	e.passes.Add(1)
	plans := e.plans()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, p := range plans {
		p := p
		g.Go(func() error {
			u, err := e.pollDevice(ctx, p)
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, p.moniker, err))
				errMu.Unlock()
			}
			e.notify(e.apply(u))
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) plans() []plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]plan, 0, len(e.devices))
	for _, d := range e.devices {
		p := plan{moniker: d.moniker, versions: d.versions, synced: d.synced}
		for k, en := range d.fields {
			if !en.exists {
				continue
			}
			p.keys = append(p.keys, k)
			p.ids = append(p.ids, en.id)
			p.serials = append(p.serials, en.serial)
		}
		out = append(out, p)
	}
	return out
}

func (e *Engine) pollDevice(ctx context.Context, p plan) (update, error) {
	u := update{moniker: p.moniker, reachable: true, versions: p.versions}
	if !p.synced {
		return e.resync(ctx, u)
	}

	e.checks.Add(1)
	cs, err := e.src.CheckChanges(ctx, p.moniker, p.versions.FieldListID, p.ids)
	if err != nil {
		u.reachable = false
		return u, err
	}
	u.state = cs.State
	if cs.Versions != p.versions || (len(p.ids) > 0 && cs.Serials == nil) {
		return e.resync(ctx, u)
	}
	if cs.State != driver.StateConnected {
		return u, nil
	}

	var keys []string
	var ids []field.ID
	for i, s := range cs.Serials {
		if s != p.serials[i] {
			keys = append(keys, p.keys[i])
			ids = append(ids, p.ids[i])
		}
	}
	return e.fetch(ctx, u, p.versions.FieldListID, keys, ids)
}

// resync re-resolves every field name after the device's versions changed.
func (e *Engine) resync(ctx context.Context, u update) (update, error) {
	e.resyncs.Add(1)
	fl, err := e.src.QueryFields(ctx, u.moniker)
	if err != nil {
		u.reachable = false
		return u, err
	}
	u.resynced = true
	u.versions = fl.Versions
	u.defs = make(map[string]fieldInfo, len(fl.Defs))
	for i, d := range fl.Defs {
		u.defs[fieldKey(d.Name)] = fieldInfo{id: field.ID(i), typ: d.Type}
	}

	e.checks.Add(1)
	cs, err := e.src.CheckChanges(ctx, u.moniker, fl.FieldListID, nil)
	if err != nil {
		u.reachable = false
		return u, err
	}
	u.state = cs.State
	if cs.Versions != fl.Versions {
		// Changed again underneath us; the next pass resyncs.
		u.resynced = false
		return u, nil
	}
	if cs.State != driver.StateConnected {
		return u, nil
	}

	keys, ids := e.subscribedIn(u)
	return e.fetch(ctx, u, fl.FieldListID, keys, ids)
}

// subscribedIn lists the currently subscribed fields that exist in u.defs.
func (e *Engine) subscribedIn(u update) ([]string, []field.ID) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.devices[u.moniker]
	if !ok {
		return nil, nil
	}
	var keys []string
	var ids []field.ID
	for k := range d.fields {
		if info, ok := u.defs[k]; ok {
			keys = append(keys, k)
			ids = append(ids, info.id)
		}
	}
	return keys, ids
}

func (e *Engine) fetch(ctx context.Context, u update, listID uint32, keys []string, ids []field.ID) (update, error) {
	if len(ids) == 0 {
		return u, nil
	}
	e.reads.Add(1)
	snaps, err := e.src.ReadFields(ctx, u.moniker, listID, ids)
	switch {
	case errors.Is(err, driver.ErrNotConnected):
		u.state = driver.StateLostConnection
		return u, nil
	case errors.Is(err, field.ErrListChanged):
		// Picked up as a version change on the next pass.
		return u, nil
	case err != nil:
		u.reachable = false
		return u, err
	}
	u.values = make(map[string]field.Snapshot, len(snaps))
	for i, s := range snaps {
		if i < len(keys) {
			u.values[keys[i]] = s
		}
	}
	return u, nil
}

// apply commits one device update under the lock and returns the
// snapshots that changed.
func (e *Engine) apply(u update) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[u.moniker]
	if !ok {
		return nil
	}

	before := make(map[string]Snapshot, len(d.fields))
	for k, en := range d.fields {
		before[k] = d.snapshot(en)
	}

	d.reachable = u.reachable
	if u.reachable {
		d.state = u.state
	}
	if u.resynced {
		d.versions = u.versions
		d.synced = true
		d.defs = u.defs
		for k, en := range d.fields {
			info, ok := u.defs[k]
			en.id, en.typ, en.exists = info.id, info.typ, ok
			en.serial, en.value, en.valid = 0, nil, false
		}
	}
	for k, s := range u.values {
		if en, ok := d.fields[k]; ok {
			en.serial, en.value, en.valid = s.Serial, s.Value, s.Valid
		}
	}

	var changed []Snapshot
	for k, en := range d.fields {
		after := d.snapshot(en)
		if prev, ok := before[k]; !ok || !prev.same(after) {
			changed = append(changed, after)
		}
	}
	return changed
}

func (e *Engine) notify(changes []Snapshot) {
	if len(changes) == 0 {
		return
	}
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, c := range changes {
		for _, fn := range e.listeners {
			fn(c)
		}
	}
}

func (e *Engine) snapshot(moniker, k string) (Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.devices[moniker]
	if !ok {
		return Snapshot{}, ErrClosed
	}
	en, ok := d.fields[k]
	if !ok {
		return Snapshot{}, ErrClosed
	}
	return d.snapshot(en), nil
}

func (d *device) snapshot(en *entry) Snapshot {
	s := Snapshot{
		Moniker: d.moniker,
		Field:   en.name,
		Type:    en.typ,
		Serial:  en.serial,
		State:   d.state,
	}
	switch {
	case !d.reachable:
		s.Status = StatusError
	case !d.synced:
		s.Status = StatusUnknown
	case !en.exists:
		s.Status = StatusNoSuchField
	case d.state != driver.StateConnected:
		s.Status = StatusOffline
	case !en.valid:
		s.Status = StatusUnknown
	default:
		s.Status = StatusOK
		s.Value = field.Clone(en.value)
	}
	return s
}
