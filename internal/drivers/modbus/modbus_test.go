package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// fakeSlave is an in-memory register map implementing session.
type fakeSlave struct {
	mu        sync.Mutex
	holding   map[uint16]uint16
	input     map[uint16]uint16
	coils     map[uint16]bool
	failWith  error
	exception map[uint16]bool
	writes    int
	closed    int
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{
		holding:   make(map[uint16]uint16),
		input:     make(map[uint16]uint16),
		coils:     make(map[uint16]bool),
		exception: make(map[uint16]bool),
	}
}

func (s *fakeSlave) setFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *fakeSlave) check(addr uint16) error {
	if s.failWith != nil {
		return s.failWith
	}
	if s.exception[addr] {
		return &mb.ModbusError{FunctionCode: 0x83, ExceptionCode: mb.ExceptionCodeIllegalDataAddress}
	}
	return nil
}

func (s *fakeSlave) readRegs(m map[uint16]uint16, addr, n uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n*2)
	for i := uint16(0); i < n; i++ {
		out = binary.BigEndian.AppendUint16(out, m[addr+i])
	}
	return out, nil
}

func (s *fakeSlave) readBit(addr uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr); err != nil {
		return nil, err
	}
	if s.coils[addr] {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (s *fakeSlave) ReadCoils(addr, _ uint16) ([]byte, error)          { return s.readBit(addr) }
func (s *fakeSlave) ReadDiscreteInputs(addr, _ uint16) ([]byte, error) { return s.readBit(addr) }
func (s *fakeSlave) ReadHoldingRegisters(addr, n uint16) ([]byte, error) {
	return s.readRegs(s.holding, addr, n)
}
func (s *fakeSlave) ReadInputRegisters(addr, n uint16) ([]byte, error) {
	return s.readRegs(s.input, addr, n)
}

func (s *fakeSlave) WriteSingleCoil(addr, v uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr); err != nil {
		return nil, err
	}
	s.coils[addr] = v == coilOn
	s.writes++
	return nil, nil
}

func (s *fakeSlave) WriteMultipleRegisters(addr, n uint16, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr); err != nil {
		return nil, err
	}
	for i := uint16(0); i < n; i++ {
		s.holding[addr+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	s.writes++
	return nil, nil
}

func (s *fakeSlave) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSlave) holdingAt(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

func testParams() map[string]any {
	return map[string]any{
		"protocol": "tcp",
		"address":  "plc.local:502",
		"points": []any{
			map[string]any{"name": "Pump", "register": "coil", "address": 0},
			map[string]any{"name": "Flow", "register": "input", "address": 10, "data_type": "float32", "byte_order": "CDAB"},
			map[string]any{"name": "Level", "register": "holding", "address": 20},
			map[string]any{"name": "Temp", "register": "holding", "address": 30, "data_type": "int16", "scale": 0.1},
			map[string]any{"name": "Counter", "register": "input", "address": 40, "data_type": "uint32"},
		},
	}
}

func startDriver(t *testing.T, slave *fakeSlave) *driver.Instance {
	t.Helper()
	spec := driver.Spec{Moniker: "plc", Type: Type, Enabled: true, Params: testParams()}
	drv, err := New(spec)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	drv.(*Driver).open = func(Params) (session, error) { return slave, nil }

	opts := driver.Options{
		PollInterval:     5 * time.Millisecond,
		RetryInterval:    5 * time.Millisecond,
		MaxRetryInterval: 20 * time.Millisecond,
		CommandTimeout:   time.Second,
		StopTimeout:      2 * time.Second,
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
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"unknown protocol", func(p map[string]any) { p["protocol"] = "udp" }},
		{"tcp without address", func(p map[string]any) { delete(p, "address") }},
		{"rtu without port", func(p map[string]any) { p["protocol"] = "rtu" }},
		{"no points", func(p map[string]any) { p["points"] = []any{} }},
		{"bad register", func(p map[string]any) {
			p["points"] = []any{map[string]any{"name": "x", "register": "magic"}}
		}},
		{"bad data type", func(p map[string]any) {
			p["points"] = []any{map[string]any{"name": "x", "register": "holding", "data_type": "int64"}}
		}},
		{"bad byte order", func(p map[string]any) {
			p["points"] = []any{map[string]any{"name": "x", "register": "holding", "byte_order": "ACBD"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			tt.mutate(params)
			if _, err := New(driver.Spec{Moniker: "m", Params: params}); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestCodec(t *testing.T) {
	tests := []struct {
		name     string
		dataType string
		order    string
		value    float64
		bytes    []byte
	}{
		{"uint16", TypeUint16, "", 513, []byte{0x02, 0x01}},
		{"int16 negative", TypeInt16, "", -2, []byte{0xFF, 0xFE}},
		{"uint32 abcd", TypeUint32, "ABCD", 0x01020304, []byte{1, 2, 3, 4}},
		{"uint32 cdab", TypeUint32, "CDAB", 0x01020304, []byte{3, 4, 1, 2}},
		{"int32 dcba", TypeInt32, "DCBA", -1, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		{"float32 badc", TypeFloat32, "BADC", 1.5, []byte{0xC0, 0x3F, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := encodeRaw(tt.value, tt.dataType, tt.order)
			if err != nil || string(b) != string(tt.bytes) {
				t.Errorf("encodeRaw() = %X, %v; want %X", b, err, tt.bytes)
			}
			v, err := decodeRaw(tt.bytes, tt.dataType, tt.order)
			if err != nil || v != tt.value {
				t.Errorf("decodeRaw() = %v, %v; want %v", v, err, tt.value)
			}
		})
	}

	if _, err := encodeRaw(70000, TypeUint16, ""); !errors.Is(err, ErrValueRange) {
		t.Errorf("encodeRaw(70000, uint16) error = %v", err)
	}
	if _, err := decodeRaw([]byte{1, 2}, TypeUint32, ""); !errors.Is(err, ErrShortResponse) {
		t.Errorf("decodeRaw(short) error = %v", err)
	}
}

func TestModbus_PollsPoints(t *testing.T) {
	slave := newFakeSlave()
	slave.coils[0] = true
	flow := math.Float32bits(12.5)
	slave.input[10], slave.input[11] = uint16(flow), uint16(flow>>16) // CDAB
	slave.holding[20] = 42
	tempRaw := int16(-55)
	slave.holding[30] = uint16(tempRaw)
	slave.input[40], slave.input[41] = 0x0001, 0x0000

	in := startDriver(t, slave)
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })
	eventually(t, "first poll", func() bool { return in.Stats().Polls > 0 })

	want := map[string]any{
		"Pump":    true,
		"Flow":    12.5,
		"Level":   int64(42),
		"Counter": int64(65536),
	}
	for name, v := range want {
		snap, err := in.Fields().ReadByName(name)
		if err != nil || !snap.Valid || snap.Value != v {
			t.Errorf("%s = %+v, %v; want %v", name, snap, err, v)
		}
	}
	temp, _ := in.Fields().ReadByName("Temp")
	if got, ok := temp.Value.(float64); !ok || math.Abs(got-(-5.5)) > 1e-9 {
		t.Errorf("Temp = %v, want -5.5", temp.Value)
	}

	defs, _ := in.Fields().Defs()
	access := map[string]field.Access{}
	for _, d := range defs {
		access[d.Name] = d.Access
	}
	if access["Flow"] != field.AccessRead || access["Level"] != field.AccessReadWrite || access["Pump"] != field.AccessReadWrite {
		t.Errorf("access = %v", access)
	}
}

func TestModbus_WritesPushedOnPoll(t *testing.T) {
	slave := newFakeSlave()
	in := startDriver(t, slave)
	eventually(t, "connected", func() bool { return in.State() == driver.StateConnected })
	ctx := context.Background()

	if _, err := in.Submit(ctx, driver.NewWrite("Level", 300), driver.Blocking, time.Second); err != nil {
		t.Fatalf("write Level error = %v", err)
	}
	if _, err := in.Submit(ctx, driver.NewWrite("Temp", 21.5), driver.Blocking, time.Second); err != nil {
		t.Fatalf("write Temp error = %v", err)
	}
	eventually(t, "writes pushed", func() bool { return len(in.Fields().Dirty()) == 0 })

	if got := slave.holdingAt(20); got != 300 {
		t.Errorf("holding[20] = %d, want 300", got)
	}
	if got := slave.holdingAt(30); got != 215 {
		t.Errorf("holding[30] = %d, want 215", got)
	}

	if _, err := in.Submit(ctx, driver.NewWrite("Level", 70000), driver.Blocking, time.Second); !errors.Is(err, field.ErrOutOfRange) {
		t.Errorf("write Level=70000 error = %v, want ErrOutOfRange", err)
	}
	if _, err := in.Submit(ctx, driver.NewWrite("Flow", 1.0), driver.Blocking, time.Second); !errors.Is(err, field.ErrReadOnly) {
		t.Errorf("write Flow error = %v, want ErrReadOnly", err)
	}
}

func TestModbus_ExceptionInvalidatesPointOnly(t *testing.T) {
	slave := newFakeSlave()
	slave.holding[20] = 7
	in := startDriver(t, slave)
	eventually(t, "first poll", func() bool { return in.Stats().Polls > 0 })

	slave.mu.Lock()
	slave.exception[20] = true
	slave.mu.Unlock()

	eventually(t, "Level invalid", func() bool {
		snap, _ := in.Fields().ReadByName("Level")
		return !snap.Valid
	})
	if in.State() != driver.StateConnected {
		t.Errorf("state = %s, exception dropped the connection", in.State())
	}
	if snap, _ := in.Fields().ReadByName("Pump"); !snap.Valid {
		t.Error("other points invalidated by one exception")
	}
}

func TestModbus_TransportFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"timeout", errors.New("modbus: response timeout")},
		{"closed", io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := newFakeSlave()
			in := startDriver(t, slave)
			eventually(t, "first poll", func() bool { return in.Stats().Polls > 0 })

			slave.setFailure(tt.err)
			eventually(t, "connection lost", func() bool { return in.Stats().ConnectionsLost > 0 })

			slave.setFailure(nil)
			eventually(t, "reconnected", func() bool { return in.State() == driver.StateConnected })
			slave.mu.Lock()
			closed := slave.closed
			slave.mu.Unlock()
			if closed == 0 {
				t.Error("session not closed after failure")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want driver.PollResult
		lost bool
	}{
		{&mb.ModbusError{ExceptionCode: mb.ExceptionCodeServerDeviceBusy}, driver.PollOK, false},
		{ErrShortResponse, driver.PollOK, false},
		{io.EOF, driver.PollLostCommResource, true},
		{errors.New("i/o timeout"), driver.PollLostConnection, true},
	}
	for _, tt := range tests {
		got, lost := classify(tt.err)
		if got != tt.want || lost != tt.lost {
			t.Errorf("classify(%v) = %v, %v; want %v, %v", tt.err, got, lost, tt.want, tt.lost)
		}
	}
}
