package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Type is the driver type name registered with the host.
const Type = "modbus"

// Register kinds.
const (
	RegisterHolding  = "holding"
	RegisterInput    = "input"
	RegisterCoil     = "coil"
	RegisterDiscrete = "discrete"
)

const (
	defaultTimeout = 5 * time.Second
	coilOn         = 0xFF00
)

// Point maps one register or bit to a field.
type Point struct {
	Name      string  `yaml:"name"`
	Register  string  `yaml:"register"`
	Address   uint16  `yaml:"address"`
	DataType  string  `yaml:"data_type"`
	ByteOrder string  `yaml:"byte_order"`
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
	ReadOnly  bool    `yaml:"read_only"`
}

// scaled reports whether the point's values pass through scale/offset.
func (p Point) scaled() bool {
	return p.Scale != 1 || p.Offset != 0
}

func (p Point) isBit() bool {
	return p.Register == RegisterCoil || p.Register == RegisterDiscrete
}

func (p Point) writable() bool {
	return !p.ReadOnly && (p.Register == RegisterCoil || p.Register == RegisterHolding)
}

func (p Point) fieldType() field.Type {
	switch {
	case p.isBit():
		return field.TypeBool
	case p.DataType == TypeFloat32 || p.scaled():
		return field.TypeFloat
	}
	return field.TypeInt
}

// Params configures a Modbus driver.
type Params struct {
	// Protocol is "tcp" or "rtu".
	Protocol   string        `yaml:"protocol"`
	Address    string        `yaml:"address"`
	SerialPort string        `yaml:"serial_port"`
	BaudRate   int           `yaml:"baud_rate"`
	DataBits   int           `yaml:"data_bits"`
	StopBits   int           `yaml:"stop_bits"`
	Parity     string        `yaml:"parity"`
	SlaveID    uint8         `yaml:"slave_id"`
	Timeout    time.Duration `yaml:"timeout"`
	Points     []Point       `yaml:"points"`
}

// registers is the subset of the Modbus client the driver uses.
type registers interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// session is an open connection to one device.
type session interface {
	registers
	Close() error
}

// handlerWithConn is a goburrow handler with an explicit lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

type clientSession struct {
	mb.Client
	handler handlerWithConn
}

func (s clientSession) Close() error { return s.handler.Close() }

// Driver polls one Modbus slave.
type Driver struct {
	driver.Base

	params Params
	env    *driver.Env
	open   func(Params) (session, error)
	conn   session
}

// New is the driver.Factory for Modbus.
func New(spec driver.Spec) (driver.Driver, error) {
	p := Params{Protocol: "tcp", SlaveID: 1, Timeout: defaultTimeout}
	if err := spec.DecodeParams(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &Driver{params: p, open: openSession}, nil
}

func (p *Params) normalize() error {
	p.Protocol = strings.ToLower(strings.TrimSpace(p.Protocol))
	switch p.Protocol {
	case "tcp":
		if p.Address == "" {
			return fmt.Errorf("%w: address is required for tcp", ErrInvalidConfig)
		}
	case "rtu":
		if p.SerialPort == "" {
			return fmt.Errorf("%w: serial_port is required for rtu", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: protocol %q (use tcp or rtu)", ErrInvalidConfig, p.Protocol)
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("%w: no points configured", ErrInvalidConfig)
	}

	for i := range p.Points {
		pt := &p.Points[i]
		pt.Register = strings.ToLower(strings.TrimSpace(pt.Register))
		pt.DataType = strings.ToLower(strings.TrimSpace(pt.DataType))
		pt.ByteOrder = strings.ToUpper(strings.TrimSpace(pt.ByteOrder))
		switch pt.Register {
		case RegisterCoil, RegisterDiscrete:
			continue
		case RegisterHolding, RegisterInput:
		default:
			return fmt.Errorf("%w: point %s: register %q", ErrInvalidConfig, pt.Name, pt.Register)
		}
		if pt.DataType == "" {
			pt.DataType = TypeUint16
		}
		if _, err := registerCount(pt.DataType); err != nil {
			return fmt.Errorf("point %s: %w", pt.Name, err)
		}
		if !validByteOrder(pt.ByteOrder) {
			return fmt.Errorf("%w: point %s: byte order %q", ErrInvalidConfig, pt.Name, pt.ByteOrder)
		}
		if pt.Scale == 0 {
			pt.Scale = 1
		}
	}
	return nil
}

// openSession builds a goburrow handler for the configured transport and
// connects it.
func openSession(p Params) (session, error) {
	var h handlerWithConn
	switch p.Protocol {
	case "rtu":
		rtu := mb.NewRTUClientHandler(p.SerialPort)
		if p.BaudRate > 0 {
			rtu.BaudRate = p.BaudRate
		}
		if p.DataBits > 0 {
			rtu.DataBits = p.DataBits
		}
		if p.StopBits > 0 {
			rtu.StopBits = p.StopBits
		}
		if parity := strings.ToUpper(strings.TrimSpace(p.Parity)); parity != "" {
			rtu.Parity = parity[:1]
		}
		rtu.SlaveId = p.SlaveID
		rtu.Timeout = p.Timeout
		h = rtu
	default:
		tcp := mb.NewTCPClientHandler(p.Address)
		tcp.SlaveId = p.SlaveID
		tcp.Timeout = p.Timeout
		h = tcp
	}
	if err := h.Connect(); err != nil {
		return nil, err
	}
	return clientSession{Client: mb.NewClient(h), handler: h}, nil
}

// Init registers one field per point.
func (d *Driver) Init(env *driver.Env) error {
	d.env = env
	defs := make([]field.Def, len(d.params.Points))
	for i, pt := range d.params.Points {
		access := field.AccessRead
		if pt.writable() {
			access = field.AccessReadWrite
		}
		def := field.Def{Name: pt.Name, Type: pt.fieldType(), Access: access, SemType: "modbus:" + pt.Register}
		if def.Type == field.TypeInt {
			lo, hi := rawRange(pt.DataType)
			def.Limits = field.Range(lo, hi)
		}
		defs[i] = def
	}
	_, err := env.Fields.Register(defs)
	return err
}

// AcquireResource opens the TCP connection or serial port.
func (d *Driver) AcquireResource(context.Context) error {
	conn, err := d.open(d.params)
	if err != nil {
		return fmt.Errorf("opening %s: %w", d.target(), err)
	}
	d.conn = conn
	return nil
}

// ReleaseResource closes the transport.
func (d *Driver) ReleaseResource() {
	if d.conn != nil {
		d.conn.Close() //nolint:errcheck // Best-effort close
		d.conn = nil
	}
}

// Connect reads the first point to check the slave answers. An exception
// response still proves the device is there.
func (d *Driver) Connect(context.Context) (driver.ConnectResult, error) {
	_, err := d.read(d.params.Points[0])
	if err == nil || isException(err) {
		return driver.ConnectSuccess, nil
	}
	if isTransportFailure(err) {
		return driver.ConnectFatal, err
	}
	return driver.ConnectRetry, err
}

// Poll pushes pending writes, then reads every point.
func (d *Driver) Poll(ctx context.Context) (driver.PollResult, error) {
	f := d.env.Fields
	for _, id := range f.Dirty() {
		if err := d.push(id); err != nil {
			if res, lost := classify(err); lost {
				return res, err
			}
			d.env.Logger.Warn("write refused", "point", d.params.Points[id].Name, "error", err)
		}
		f.ClearDirty(id)
	}

	for i, pt := range d.params.Points {
		if err := ctx.Err(); err != nil {
			return driver.PollOK, nil
		}
		v, err := d.read(pt)
		if err != nil {
			if res, lost := classify(err); lost {
				return res, fmt.Errorf("reading %s: %w", pt.Name, err)
			}
			if d.env.Verbose(driver.VerbosityMedium) {
				d.env.Logger.Debug("point read failed", "point", pt.Name, "error", err)
			}
			f.Invalidate(field.ID(i))
			continue
		}
		if _, err := f.Store(field.ID(i), v); err != nil {
			d.env.Logger.Warn("storing point value", "point", pt.Name, "error", err)
		}
	}
	return driver.PollOK, nil
}

// read returns a point's value in its field representation.
func (d *Driver) read(pt Point) (any, error) {
	switch pt.Register {
	case RegisterCoil, RegisterDiscrete:
		var data []byte
		var err error
		if pt.Register == RegisterCoil {
			data, err = d.conn.ReadCoils(pt.Address, 1)
		} else {
			data, err = d.conn.ReadDiscreteInputs(pt.Address, 1)
		}
		if err != nil {
			return nil, err
		}
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: no coil data", ErrShortResponse)
		}
		return data[0]&0x01 != 0, nil
	}

	n, _ := registerCount(pt.DataType) //nolint:errcheck // Validated in New
	var data []byte
	var err error
	if pt.Register == RegisterHolding {
		data, err = d.conn.ReadHoldingRegisters(pt.Address, n)
	} else {
		data, err = d.conn.ReadInputRegisters(pt.Address, n)
	}
	if err != nil {
		return nil, err
	}
	raw, err := decodeRaw(data, pt.DataType, pt.ByteOrder)
	if err != nil {
		return nil, err
	}
	if pt.fieldType() == field.TypeInt {
		return int64(raw), nil
	}
	return raw*pt.Scale + pt.Offset, nil
}

// push writes a dirty field's committed value to the device.
func (d *Driver) push(id field.ID) error {
	snap, err := d.env.Fields.Read(id)
	if err != nil || !snap.Valid {
		return err
	}
	pt := d.params.Points[id]

	if pt.Register == RegisterCoil {
		var v uint16
		if snap.Value.(bool) {
			v = coilOn
		}
		_, err := d.conn.WriteSingleCoil(pt.Address, v)
		return err
	}

	var raw float64
	switch x := snap.Value.(type) {
	case int64:
		raw = float64(x)
	case float64:
		raw = (x - pt.Offset) / pt.Scale
	}
	data, err := encodeRaw(raw, pt.DataType, pt.ByteOrder)
	if err != nil {
		return err
	}
	_, err = d.conn.WriteMultipleRegisters(pt.Address, uint16(len(data)/2), data) //nolint:gosec // at most 2 registers
	return err
}

func (d *Driver) target() string {
	if d.params.Protocol == "rtu" {
		return d.params.SerialPort
	}
	return d.params.Address
}

// isException reports whether err is a Modbus exception response: the
// device answered but refused the request.
func isException(err error) bool {
	var mbErr *mb.ModbusError
	return errors.As(err, &mbErr)
}

// isTransportFailure reports whether the connection itself is gone.
func isTransportFailure(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// classify maps a request error to a poll result. Exceptions, short
// responses and range errors are point-level and keep the connection.
func classify(err error) (driver.PollResult, bool) {
	switch {
	case isException(err), errors.Is(err, ErrShortResponse), errors.Is(err, ErrValueRange):
		return driver.PollOK, false
	case isTransportFailure(err):
		return driver.PollLostCommResource, true
	}
	return driver.PollLostConnection, true
}
