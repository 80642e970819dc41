package knx

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// fakeKNXD speaks just enough of the knxd group socket protocol: it
// answers the open handshake, answers reads from a value table and
// records writes.
type fakeKNXD struct {
	t  *testing.T
	ln net.Listener

	mu     sync.Mutex
	values map[uint16][]byte
	writes []Telegram
	silent bool
	conns  []net.Conn
}

func newFakeKNXD(t *testing.T) *fakeKNXD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeKNXD{t: t, ln: ln, values: make(map[uint16][]byte)}
	go f.accept()
	t.Cleanup(f.close)
	return f
}

func (f *fakeKNXD) url() string { return "tcp://" + f.ln.Addr().String() }

func (f *fakeKNXD) set(ga string, data ...byte) {
	addr, _ := ParseGroupAddress(ga)
	f.mu.Lock()
	f.values[addr.Uint16()] = data
	f.mu.Unlock()
}

func (f *fakeKNXD) setSilent(v bool) {
	f.mu.Lock()
	f.silent = v
	f.mu.Unlock()
}

func (f *fakeKNXD) recorded() []Telegram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Telegram(nil), f.writes...)
}

func (f *fakeKNXD) close() {
	f.ln.Close()
	f.dropClients()
}

func (f *fakeKNXD) dropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeKNXD) accept() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		go f.serve(c)
	}
}

// broadcast sends an unsolicited group write from 1.1.5.
func (f *fakeKNXD) broadcast(ga string, data ...byte) {
	addr, _ := ParseGroupAddress(ga)
	f.mu.Lock()
	conns := append([]net.Conn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		c.Write(encodeMessage(eibGroupPacket, rxPacket(addr, APCIWrite, data))) //nolint:errcheck // Test server
	}
}

func rxPacket(ga GroupAddress, apci byte, data []byte) []byte {
	b := make([]byte, 6, 6+len(data))
	binary.BigEndian.PutUint16(b[0:2], 0x1105)
	binary.BigEndian.PutUint16(b[2:4], ga.Uint16())
	b[5] = apci
	if len(data) == 1 && data[0] <= shortDataMask {
		b[5] |= data[0]
		return b
	}
	return append(b, data...)
}

func (f *fakeKNXD) serve(c net.Conn) {
	defer c.Close()
	msgType, _, err := readMessage(c)
	if err != nil || msgType != eibOpenGroupCon {
		return
	}
	c.Write(encodeMessage(eibOpenGroupCon, nil)) //nolint:errcheck // Test server

	for {
		msgType, payload, err := readMessage(c)
		if err != nil {
			return
		}
		if msgType != eibGroupPacket || len(payload) < 4 {
			continue
		}
		ga := GroupAddressFromUint16(binary.BigEndian.Uint16(payload[0:2]))
		apci := payload[3] & 0xC0
		var data []byte
		if len(payload) > 4 {
			data = append([]byte(nil), payload[4:]...)
		} else {
			data = []byte{payload[3] & shortDataMask}
		}

		f.mu.Lock()
		switch apci {
		case APCIWrite:
			f.writes = append(f.writes, Telegram{Destination: ga, APCI: apci, Data: data})
			f.values[ga.Uint16()] = data
		case APCIRead:
			if v, ok := f.values[ga.Uint16()]; ok && !f.silent {
				c.Write(encodeMessage(eibGroupPacket, rxPacket(ga, APCIResponse, v))) //nolint:errcheck // Test server
			}
		}
		f.mu.Unlock()
	}
}

func testSpec(url string, extra map[string]any) driver.Spec {
	params := map[string]any{
		"connection":      url,
		"probe_timeout":   "200ms",
		"probe_interval":  "50ms",
		"connect_timeout": "1s",
		"points": []any{
			map[string]any{"name": "Light", "address": "1/0/1", "status": "1/0/2", "dpt": "1.001"},
			map[string]any{"name": "Temp", "address": "3/1/0", "dpt": "9.001", "access": "r"},
			map[string]any{"name": "Dim", "address": "1/1/0", "dpt": "5.001"},
			map[string]any{"name": "Scene", "address": "4/0/0", "dpt": "17.001", "access": "w"},
		},
	}
	for k, v := range extra {
		params[k] = v
	}
	return driver.Spec{Moniker: "knx1", Type: Type, Enabled: true, Params: params}
}

func startDriver(t *testing.T, spec driver.Spec) *driver.Instance {
	t.Helper()
	drv, err := New(spec)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	opts := driver.Options{
		PollInterval:         5 * time.Millisecond,
		RetryInterval:        10 * time.Millisecond,
		MaxRetryInterval:     50 * time.Millisecond,
		ConnectRetryInterval: 10 * time.Millisecond,
		CommandTimeout:       time.Second,
		StopTimeout:          2 * time.Second,
	}
	in := driver.NewInstance(spec, 1, drv, opts, nil)
	if err := in.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { in.Stop() }) //nolint:errcheck // Test cleanup
	return in
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"bad scheme", map[string]any{"connection": "udp://x", "points": []any{map[string]any{"name": "a", "address": "1/1/1", "dpt": "1.001"}}}},
		{"no points", map[string]any{"connection": "tcp://localhost:6720"}},
		{"bad dpt", map[string]any{"connection": "tcp://localhost:6720", "points": []any{map[string]any{"name": "a", "address": "1/1/1", "dpt": "99.9"}}}},
		{"bad address", map[string]any{"connection": "tcp://localhost:6720", "points": []any{map[string]any{"name": "a", "address": "40/1/1", "dpt": "1.001"}}}},
		{"nothing to probe", map[string]any{"connection": "tcp://localhost:6720", "points": []any{map[string]any{"name": "a", "address": "1/1/1", "dpt": "1.001", "access": "w"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(driver.Spec{Moniker: "k", Params: tt.params}); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestKNX_ConnectAndReadOnConnect(t *testing.T) {
	bus := newFakeKNXD(t)
	bus.set("1/0/2", 0x01)
	bus.set("3/1/0", 0x0C, 0x1A) // 21.0
	in := startDriver(t, testSpec(bus.url(), map[string]any{"read_on_connect": true}))

	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })
	eventually(t, "temp read", func() bool {
		snap, _ := in.Fields().ReadByName("Temp")
		return snap.Valid && snap.Value == 21.0
	})
	light, _ := in.Fields().ReadByName("Light")
	if !light.Valid || light.Value != true {
		t.Errorf("Light = %+v, want true", light)
	}
}

func TestKNX_RetriesUntilProbeAnswered(t *testing.T) {
	bus := newFakeKNXD(t)
	in := startDriver(t, testSpec(bus.url(), nil))

	time.Sleep(300 * time.Millisecond)
	if in.State() == driver.StateConnected {
		t.Fatal("connected without a probe answer")
	}
	bus.set("1/0/2", 0x00)
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })
}

func TestKNX_UnsolicitedTelegram(t *testing.T) {
	bus := newFakeKNXD(t)
	bus.set("1/0/2", 0x00)
	in := startDriver(t, testSpec(bus.url(), nil))
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })

	bus.broadcast("1/1/0", 0xFF)
	eventually(t, "dim applied", func() bool {
		snap, _ := in.Fields().ReadByName("Dim")
		return snap.Valid && snap.Value == 100.0
	})
}

func TestKNX_WritesSendTelegrams(t *testing.T) {
	bus := newFakeKNXD(t)
	bus.set("1/0/2", 0x00)
	in := startDriver(t, testSpec(bus.url(), nil))
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })
	ctx := context.Background()

	writes := []struct {
		name  string
		value any
		want  []byte
	}{
		{"Light", true, []byte{0x01}},
		{"Dim", 50, []byte{0x80}},
		{"Scene", 12, []byte{0x0C}},
	}
	for _, w := range writes {
		if _, err := in.Submit(ctx, driver.NewWrite(w.name, w.value), driver.Blocking, time.Second); err != nil {
			t.Fatalf("write %s error = %v", w.name, err)
		}
	}
	eventually(t, "writes recorded", func() bool { return len(bus.recorded()) == len(writes) })

	got := bus.recorded()
	for i, w := range writes {
		if string(got[i].Data) != string(w.want) {
			t.Errorf("write %s data = %X, want %X", w.name, got[i].Data, w.want)
		}
	}
	if got[0].Destination.String() != "1/0/1" {
		t.Errorf("Light written to %s, want command address 1/0/1", got[0].Destination)
	}

	if _, err := in.Submit(ctx, driver.NewWrite("Temp", 20.0), driver.Blocking, time.Second); !errors.Is(err, field.ErrReadOnly) {
		t.Errorf("write Temp error = %v, want ErrReadOnly", err)
	}
	if _, err := in.Submit(ctx, driver.NewWrite("Scene", 64), driver.Blocking, time.Second); !errors.Is(err, field.ErrOutOfRange) {
		t.Errorf("write Scene=64 error = %v, want ErrOutOfRange", err)
	}
}

func TestKNX_SilentBusLosesConnection(t *testing.T) {
	bus := newFakeKNXD(t)
	bus.set("1/0/2", 0x00)
	in := startDriver(t, testSpec(bus.url(), nil))
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })

	bus.setSilent(true)
	eventually(t, "connection lost", func() bool { return in.Stats().ConnectionsLost > 0 })
	if snap, _ := in.Fields().ReadByName("Light"); snap.Valid {
		t.Error("values still valid after connection loss")
	}

	bus.setSilent(false)
	eventually(t, "reconnected", func() bool { return in.State() == driver.StateConnected })
}

func TestKNX_DroppedSocketLosesResource(t *testing.T) {
	bus := newFakeKNXD(t)
	bus.set("1/0/2", 0x00)
	in := startDriver(t, testSpec(bus.url(), nil))
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })

	bus.dropClients()
	eventually(t, "connection lost", func() bool { return in.Stats().ConnectionsLost > 0 })
	eventually(t, "reconnected", func() bool { return in.State() == driver.StateConnected })
}
