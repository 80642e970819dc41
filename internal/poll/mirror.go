package poll

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
)

const mirrorQueryTimeout = 5 * time.Second

// Mirror keeps every readable field of connected devices subscribed, for
// consumers that want all fields (MQTT, telemetry) rather than the ones a
// client asked for.
//
// DriverState matches driver.StateListener. When a device connects its
// field list is queried and each readable field not yet mirrored is
// subscribed. When a device is unloaded its handles are closed. Handles
// survive lost connections, so their snapshots go offline instead of
// disappearing.
type Mirror struct {
	e      *Engine
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	handles map[string]map[string]*Handle
	// gen is bumped on unload so a sync still in flight for the old
	// instance does not resurrect its handles.
	gen map[string]uint64
}

// NewMirror creates a mirror over e. Close releases every handle.
func NewMirror(e *Engine) *Mirror {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mirror{
		e:       e,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]map[string]*Handle),
		gen:     make(map[string]uint64),
	}
}

// DriverState reacts to a device's state change. It never blocks: the
// host calls it from the driver's own goroutine, which must stay free to
// answer the field query.
func (m *Mirror) DriverState(moniker string, _, to driver.State) {
	switch to {
	case driver.StateConnected:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		gen := m.gen[moniker]
		m.mu.Unlock()
		go func() {
			defer m.wg.Done()
			if err := m.sync(m.ctx, moniker, gen); err != nil {
				m.e.logger.Warn("mirror sync failed", "moniker", moniker, "error", err)
			}
		}()
	case driver.StateNotLoaded:
		m.Drop(moniker)
	}
}

// Sync subscribes every readable field moniker currently defines.
func (m *Mirror) Sync(ctx context.Context, moniker string) error {
	m.mu.Lock()
	gen := m.gen[moniker]
	m.mu.Unlock()
	return m.sync(ctx, moniker, gen)
}

func (m *Mirror) sync(ctx context.Context, moniker string, gen uint64) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorQueryTimeout)
	defer cancel()
	fl, err := m.e.src.QueryFields(ctx, moniker)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen[moniker] != gen {
		return nil
	}
	hs := m.handles[moniker]
	if hs == nil {
		hs = make(map[string]*Handle, len(fl.Defs))
		m.handles[moniker] = hs
	}
	added := 0
	for _, def := range fl.Defs {
		if !def.Access.CanRead() {
			continue
		}
		k := fieldKey(def.Name)
		if _, ok := hs[k]; ok {
			continue
		}
		hs[k] = m.e.Subscribe(moniker, def.Name)
		added++
	}
	if added > 0 {
		m.e.logger.Debug("mirroring fields", "moniker", moniker, "added", added)
	}
	return nil
}

// Drop closes the handles held for moniker.
func (m *Mirror) Drop(moniker string) {
	m.mu.Lock()
	hs := m.handles[moniker]
	delete(m.handles, moniker)
	m.gen[moniker]++
	m.mu.Unlock()
	for _, h := range hs {
		h.Close()
	}
}

// Fields returns how many fields are mirrored for moniker.
func (m *Mirror) Fields(moniker string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles[moniker])
}

// Close stops pending syncs and releases every handle.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	all := m.handles
	m.handles = make(map[string]map[string]*Handle)
	m.mu.Unlock()
	for _, hs := range all {
		for _, h := range hs {
			h.Close()
		}
	}
}
