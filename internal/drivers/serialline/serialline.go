package serialline

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Type is the driver type name registered with the host.
const Type = "serialline"

const valuePlaceholder = "{value}"

// Point maps one device value to a field.
type Point struct {
	Name        string        `yaml:"name"`
	Type        field.Type    `yaml:"type"`
	Access      field.Access  `yaml:"access"`
	AlwaysWrite bool          `yaml:"always_write"`
	Limits      *field.Limits `yaml:"limits"`

	Query  string `yaml:"query"`
	Set    string `yaml:"set"`
	Report string `yaml:"report"`

	// On and Off are the wire forms of a bool point.
	On  string `yaml:"on"`
	Off string `yaml:"off"`

	report *regexp.Regexp
}

// Params configures a serial line driver.
type Params struct {
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	Parity     string `yaml:"parity"`
	StopBits   int    `yaml:"stop_bits"`
	Terminator string `yaml:"terminator"`

	ProbeCommand   string        `yaml:"probe_command"`
	ProbeReply     string        `yaml:"probe_reply"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Points []Point `yaml:"points"`

	probe *regexp.Regexp
}

// Driver talks to one device on one serial port.
type Driver struct {
	driver.Base

	params Params
	byName map[string]int
	env    *driver.Env
	open   func(Params) (io.ReadWriteCloser, error)
	conn   *lineConn

	lastRx    time.Time
	probeSent time.Time
}

// New is the driver.Factory for serial line devices.
func New(spec driver.Spec) (driver.Driver, error) {
	p := Params{
		BaudRate:       9600,
		DataBits:       8,
		StopBits:       1,
		Terminator:     "\r",
		ProbeInterval:  30 * time.Second,
		ProbeTimeout:   2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
	if err := spec.DecodeParams(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}

	d := &Driver{params: p, byName: make(map[string]int, len(p.Points)), open: openPort}
	for i, pt := range p.Points {
		d.byName[strings.ToLower(pt.Name)] = i
	}
	return d, nil
}

func (p *Params) normalize() error {
	if p.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalidConfig)
	}
	if _, err := p.mode(); err != nil {
		return err
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("%w: no points configured", ErrInvalidConfig)
	}

	for i := range p.Points {
		pt := &p.Points[i]
		switch pt.Type {
		case field.TypeBool, field.TypeInt, field.TypeFloat, field.TypeString:
		default:
			return fmt.Errorf("%w: point %s: type %s not supported", ErrInvalidConfig, pt.Name, pt.Type)
		}
		if pt.Access == 0 {
			pt.Access = field.AccessRead
			if pt.Set != "" {
				pt.Access = field.AccessReadWrite
			}
		}
		if pt.Access.CanWrite() && pt.Set == "" {
			return fmt.Errorf("%w: point %s is writable without a set command", ErrInvalidConfig, pt.Name)
		}
		if pt.Access.CanRead() && pt.Report == "" {
			return fmt.Errorf("%w: point %s is readable without a report pattern", ErrInvalidConfig, pt.Name)
		}
		if pt.Report != "" {
			re, err := regexp.Compile(pt.Report)
			if err != nil {
				return fmt.Errorf("%w: point %s: %w", ErrInvalidConfig, pt.Name, err)
			}
			if re.NumSubexp() < 1 {
				return fmt.Errorf("%w: point %s: report pattern needs a capture group", ErrInvalidConfig, pt.Name)
			}
			pt.report = re
		}
		if pt.On == "" {
			pt.On = "1"
		}
		if pt.Off == "" {
			pt.Off = "0"
		}
	}

	if p.ProbeCommand == "" {
		for _, pt := range p.Points {
			if pt.Query != "" {
				p.ProbeCommand = pt.Query
				break
			}
		}
	}
	if p.ProbeCommand == "" {
		return fmt.Errorf("%w: no probe command and no point with a query", ErrInvalidConfig)
	}
	re, err := regexp.Compile(p.ProbeReply)
	if err != nil {
		return fmt.Errorf("%w: probe_reply: %w", ErrInvalidConfig, err)
	}
	p.probe = re
	return nil
}

// Init registers one field per point.
func (d *Driver) Init(env *driver.Env) error {
	d.env = env
	defs := make([]field.Def, len(d.params.Points))
	for i, pt := range d.params.Points {
		defs[i] = field.Def{
			Name:        pt.Name,
			Type:        pt.Type,
			Access:      pt.Access,
			AlwaysWrite: pt.AlwaysWrite,
			Limits:      pt.Limits,
			SemType:     "serial",
		}
	}
	_, err := env.Fields.Register(defs)
	return err
}

// AcquireResource opens the serial port.
func (d *Driver) AcquireResource(context.Context) error {
	port, err := d.open(d.params)
	if err != nil {
		return err
	}
	d.conn = newLineConn(port, d.params.Terminator)
	d.lastRx, d.probeSent = time.Time{}, time.Time{}
	return nil
}

// ReleaseResource closes the port and stops the receive goroutine.
func (d *Driver) ReleaseResource() {
	if d.conn == nil {
		return
	}
	d.conn.close()
	if n := d.conn.dropped.Load(); n > 0 {
		d.env.Logger.Warn("lines dropped while receive buffer was full", "count", n)
	}
	d.conn = nil
}

// Connect sends the probe and waits for a matching reply, then queries
// every point.
func (d *Driver) Connect(ctx context.Context) (driver.ConnectResult, error) {
	if err := d.conn.send(d.params.ProbeCommand); err != nil {
		return driver.ConnectFatal, err
	}
	timer := time.NewTimer(d.params.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case line := <-d.conn.lines:
			d.handle(line)
			if d.params.probe.MatchString(line) {
				return driver.ConnectSuccess, d.queryAll()
			}
		case err := <-d.conn.errc:
			d.conn.errc <- err
			return driver.ConnectFatal, err
		case <-timer.C:
			return driver.ConnectRetry, fmt.Errorf("%w to %q", ErrNoReply, d.params.ProbeCommand)
		case <-ctx.Done():
			return driver.ConnectRetry, ctx.Err()
		}
	}
}

// Poll applies received lines and keeps the liveness probe going.
func (d *Driver) Poll(context.Context) (driver.PollResult, error) {
	if err := d.conn.failed(); err != nil {
		return driver.PollLostCommResource, err
	}

	for drained := false; !drained; {
		select {
		case line := <-d.conn.lines:
			d.handle(line)
		default:
			drained = true
		}
	}

	now := time.Now()
	if !d.probeSent.IsZero() {
		if now.Sub(d.probeSent) >= d.params.ProbeTimeout {
			return driver.PollLostConnection, fmt.Errorf("%w to %q within %s", ErrNoReply, d.params.ProbeCommand, d.params.ProbeTimeout)
		}
		return driver.PollOK, nil
	}
	if now.Sub(d.lastRx) >= d.params.ProbeInterval {
		if err := d.conn.send(d.params.ProbeCommand); err != nil {
			return driver.PollLostCommResource, err
		}
		d.probeSent = now
	}
	return driver.PollOK, nil
}

// handle applies one received line. A line may carry several points'
// values, and a probe reply clears the outstanding probe.
func (d *Driver) handle(line string) {
	d.lastRx = time.Now()
	if d.params.probe.MatchString(line) {
		d.probeSent = time.Time{}
	}
	if d.env.Verbose(driver.VerbosityHigh) {
		d.env.Logger.Debug("rx", "line", line)
	}

	for i, pt := range d.params.Points {
		if pt.report == nil {
			continue
		}
		m := pt.report.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := pt.parse(m[1])
		if err != nil {
			d.env.Logger.Warn("ignoring report", "point", pt.Name, "line", line, "error", err)
			continue
		}
		if _, err := d.env.Fields.Store(field.ID(i), v); err != nil {
			d.env.Logger.Warn("storing report", "point", pt.Name, "error", err)
		}
	}
}

func (d *Driver) queryAll() error {
	for _, pt := range d.params.Points {
		if pt.Query == "" {
			continue
		}
		if err := d.conn.send(pt.Query); err != nil {
			return err
		}
	}
	return nil
}

// parse converts a captured report value to the point's field type.
func (pt Point) parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch pt.Type {
	case field.TypeBool:
		switch {
		case strings.EqualFold(s, pt.On):
			return true, nil
		case strings.EqualFold(s, pt.Off):
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadReport, s)
		}
		return b, nil
	case field.TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadReport, s)
		}
		return n, nil
	case field.TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadReport, s)
		}
		return f, nil
	}
	return s, nil
}

func (d *Driver) point(def field.Def) (Point, error) {
	i, ok := d.byName[strings.ToLower(def.Name)]
	if !ok {
		return Point{}, fmt.Errorf("%w: %s", field.ErrUnknownField, def.Name)
	}
	return d.params.Points[i], nil
}

// set sends a point's set command with the formatted value.
func (d *Driver) set(def field.Def, value string) error {
	pt, err := d.point(def)
	if err != nil {
		return err
	}
	if pt.Set == "" {
		return fmt.Errorf("%w: %s", ErrNotSettable, pt.Name)
	}
	return d.conn.send(strings.ReplaceAll(pt.Set, valuePlaceholder, value))
}

// WriteBool sends the point's on or off form.
func (d *Driver) WriteBool(_ context.Context, def field.Def, v bool) error {
	pt, err := d.point(def)
	if err != nil {
		return err
	}
	if v {
		return d.set(def, pt.On)
	}
	return d.set(def, pt.Off)
}

// WriteInt sends an integer set command.
func (d *Driver) WriteInt(_ context.Context, def field.Def, v int64) error {
	return d.set(def, strconv.FormatInt(v, 10))
}

// WriteFloat sends a float set command.
func (d *Driver) WriteFloat(_ context.Context, def field.Def, v float64) error {
	return d.set(def, strconv.FormatFloat(v, 'f', -1, 64))
}

// WriteString sends a string set command.
func (d *Driver) WriteString(_ context.Context, def field.Def, v string) error {
	return d.set(def, v)
}

// Backdoor supports "send", which writes a raw line, and "query", which
// writes a raw line and returns the next line received.
func (d *Driver) Backdoor(ctx context.Context, op string, payload []byte) ([]byte, error) {
	if d.conn == nil {
		return nil, driver.ErrNotConnected
	}
	switch op {
	case "send":
		return nil, d.conn.send(string(payload))
	case "query":
		if err := d.conn.send(string(payload)); err != nil {
			return nil, err
		}
		timer := time.NewTimer(d.params.ProbeTimeout)
		defer timer.Stop()
		select {
		case line := <-d.conn.lines:
			d.handle(line)
			return []byte(line), nil
		case <-timer.C:
			return nil, fmt.Errorf("%w to %q", ErrNoReply, payload)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: backdoor op %q", driver.ErrUnsupported, op)
}
