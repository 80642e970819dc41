package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/sim"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
)

func TestMirror_SyncSubscribesReadableFields(t *testing.T) {
	src := NewMockSource()
	src.AddDevice("dev", append(thermostatDefs(),
		field.Def{Name: "Trigger", Type: field.TypeBool, Access: field.AccessWrite},
	))
	e := New(src, Options{})
	m := NewMirror(e)
	defer m.Close()

	if err := m.Sync(context.Background(), "dev"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := m.Fields("dev"); got != 2 {
		t.Errorf("Fields() = %d, want 2 (write-only skipped)", got)
	}

	// A second sync adds nothing and shares entries with other subscribers.
	h := e.Subscribe("dev", "temp")
	defer h.Close()
	if err := m.Sync(context.Background(), "dev"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := e.Subscriptions(); got != 2 {
		t.Errorf("Subscriptions() = %d, want 2", got)
	}

	var mu sync.Mutex
	changed := 0
	e.OnChange(func(Snapshot) {
		mu.Lock()
		changed++
		mu.Unlock()
	})
	src.Set("dev", "Power", true)
	src.Set("dev", "Temp", 20.5)
	if err := e.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if changed != 2 {
		t.Errorf("changes = %d, want 2", changed)
	}
}

func TestMirror_DriverState(t *testing.T) {
	src := NewMockSource()
	src.AddDevice("dev", thermostatDefs())
	e := New(src, Options{})
	m := NewMirror(e)
	defer m.Close()

	m.DriverState("dev", driver.StateConnecting, driver.StateConnected)
	deadline := time.Now().Add(2 * time.Second)
	for m.Fields("dev") != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Fields() = %d after connect, want 2", m.Fields("dev"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Losing the connection keeps the subscriptions.
	m.DriverState("dev", driver.StateConnected, driver.StateLostConnection)
	if m.Fields("dev") != 2 {
		t.Errorf("Fields() = %d after lost connection, want 2", m.Fields("dev"))
	}

	m.DriverState("dev", driver.StateLostConnection, driver.StateNotLoaded)
	if m.Fields("dev") != 0 || e.Subscriptions() != 0 {
		t.Errorf("after unload Fields() = %d, Subscriptions() = %d", m.Fields("dev"), e.Subscriptions())
	}
}

func TestMirror_Close(t *testing.T) {
	src := NewMockSource()
	src.AddDevice("dev", thermostatDefs())
	e := New(src, Options{})
	m := NewMirror(e)

	if err := m.Sync(context.Background(), "dev"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	m.Close()
	m.Close()
	if e.Subscriptions() != 0 {
		t.Errorf("Subscriptions() = %d after Close, want 0", e.Subscriptions())
	}

	// Late state changes are ignored.
	m.DriverState("dev", driver.StateConnecting, driver.StateConnected)
	if m.Fields("dev") != 0 {
		t.Errorf("Fields() = %d after Close", m.Fields("dev"))
	}
}

func TestMirror_HostLoadedDrivers(t *testing.T) {
	f := host.NewFactories()
	if err := f.Register(sim.Type, sim.New); err != nil {
		t.Fatal(err)
	}
	h := host.New(f, host.Options{Driver: driver.Options{
		PollInterval:  10 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}, CommandTimeout: time.Second})
	defer h.Close()

	e := New(h, Options{})
	m := NewMirror(e)
	defer m.Close()
	h.OnStateChange(m.DriverState)

	monikers := []string{"hall", "kitchen", "loft", "porch", "study"}
	for _, moniker := range monikers {
		if err := h.Load(context.Background(), driver.Spec{Moniker: moniker, Type: sim.Type, Enabled: true}); err != nil {
			t.Fatalf("Load(%s) error = %v", moniker, err)
		}
	}

	fl, err := h.QueryFields(context.Background(), "hall")
	if err != nil {
		t.Fatalf("QueryFields() error = %v", err)
	}
	readable := 0
	for _, def := range fl.Defs {
		if def.Access.CanRead() {
			readable++
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for _, moniker := range monikers {
		for m.Fields(moniker) != readable {
			if time.Now().After(deadline) {
				t.Fatalf("Fields(%s) = %d, want %d", moniker, m.Fields(moniker), readable)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := h.Unload(context.Background(), "hall"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if got := m.Fields("hall"); got != 0 {
		t.Errorf("Fields(hall) = %d after unload, want 0", got)
	}
}
