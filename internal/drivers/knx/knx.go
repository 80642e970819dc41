package knx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Type is the driver type name registered with the host.
const Type = "knx"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultProbeInterval  = time.Minute
	defaultProbeTimeout   = 3 * time.Second
)

// Point maps one group object to a field.
type Point struct {
	Name    string       `yaml:"name"`
	Address GroupAddress `yaml:"address"`
	// Status is the feedback address reads are sent to and values are
	// taken from. Defaults to Address.
	Status      *GroupAddress `yaml:"status"`
	DPT         DPT           `yaml:"dpt"`
	Access      string        `yaml:"access"`
	AlwaysWrite bool          `yaml:"always_write"`
}

func (p Point) statusAddress() GroupAddress {
	if p.Status != nil {
		return *p.Status
	}
	return p.Address
}

// Params configures a KNX driver.
type Params struct {
	// Connection is the knxd URL, e.g. "unix:///run/knxd" or "tcp://localhost:6720".
	Connection     string        `yaml:"connection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ProbeAddress is read to check the bus is alive. Defaults to the
	// status address of the first readable point.
	ProbeAddress  *GroupAddress `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ReadOnConnect bool          `yaml:"read_on_connect"`
	Points        []Point       `yaml:"points"`
}

// Driver talks to a KNX installation through knxd.
type Driver struct {
	driver.Base

	params Params
	probe  GroupAddress
	env    *driver.Env
	conn   *groupConn
	now    func() time.Time

	points    []Point
	byName    map[string]int
	listeners map[uint16][]int
	ids       []field.ID

	lastHeard time.Time
	probeSent time.Time
}

// New is the driver.Factory for KNX.
func New(spec driver.Spec) (driver.Driver, error) {
	p := Params{
		ConnectTimeout: defaultConnectTimeout,
		ProbeInterval:  defaultProbeInterval,
		ProbeTimeout:   defaultProbeTimeout,
	}
	if err := spec.DecodeParams(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, _, err := parseConnectionURL(p.Connection); err != nil {
		return nil, fmt.Errorf("%w: connection: %w", ErrInvalidConfig, err)
	}
	if len(p.Points) == 0 {
		return nil, fmt.Errorf("%w: no points configured", ErrInvalidConfig)
	}

	d := &Driver{
		params:    p,
		now:       time.Now,
		points:    p.Points,
		byName:    make(map[string]int, len(p.Points)),
		listeners: make(map[uint16][]int),
	}
	probeSet := p.ProbeAddress != nil
	if probeSet {
		d.probe = *p.ProbeAddress
	}
	for i, pt := range p.Points {
		if _, err := pt.DPT.FieldType(); err != nil {
			return nil, fmt.Errorf("%w: point %s: %w", ErrInvalidConfig, pt.Name, err)
		}
		if pt.Access == "" {
			p.Points[i].Access = "rw"
		}
		d.byName[pt.Name] = i
		for _, ga := range uniqueAddresses(pt.Address, pt.statusAddress()) {
			d.listeners[ga.Uint16()] = append(d.listeners[ga.Uint16()], i)
		}
		if !probeSet && p.Points[i].Access != "w" {
			d.probe = pt.statusAddress()
			probeSet = true
		}
	}
	if !probeSet {
		return nil, fmt.Errorf("%w: no readable point to probe and no probe_address", ErrInvalidConfig)
	}
	return d, nil
}

func uniqueAddresses(a, b GroupAddress) []GroupAddress {
	if a == b {
		return []GroupAddress{a}
	}
	return []GroupAddress{a, b}
}

// Init registers one field per point.
func (d *Driver) Init(env *driver.Env) error {
	d.env = env
	defs := make([]field.Def, len(d.points))
	for i, pt := range d.points {
		typ, _ := pt.DPT.FieldType() //nolint:errcheck // Checked in New
		access, err := field.ParseAccess(pt.Access)
		if err != nil {
			return fmt.Errorf("point %s: %w", pt.Name, err)
		}
		defs[i] = field.Def{
			Name:        pt.Name,
			Type:        typ,
			Access:      access,
			AlwaysWrite: pt.AlwaysWrite,
			Limits:      pt.DPT.Limits(),
			SemType:     "knx:" + string(pt.DPT),
		}
	}
	if _, err := env.Fields.Register(defs); err != nil {
		return err
	}
	d.ids = make([]field.ID, len(d.points))
	for i := range d.points {
		d.ids[i] = field.ID(i)
	}
	return nil
}

// AcquireResource dials knxd and opens the group socket.
func (d *Driver) AcquireResource(ctx context.Context) error {
	conn, err := dialGroupConn(ctx, d.params.Connection, d.params.ConnectTimeout)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// ReleaseResource closes the group socket.
func (d *Driver) ReleaseResource() {
	if d.conn == nil {
		return
	}
	d.conn.close()
	if n := d.conn.dropped.Load(); n > 0 {
		d.env.Logger.Warn("telegrams dropped on full queue", "count", n)
	}
	d.conn = nil
}

// Connect reads the probe address and waits for the bus to answer.
func (d *Driver) Connect(ctx context.Context) (driver.ConnectResult, error) {
	d.probeSent = time.Time{}
	if err := d.conn.send(ctx, Telegram{Destination: d.probe, APCI: APCIRead}); err != nil {
		return driver.ConnectFatal, err
	}

	timer := time.NewTimer(d.params.ProbeTimeout)
	defer timer.Stop()
	for {
		select {
		case t := <-d.conn.telegrams:
			d.apply(t)
			if t.IsValue() && t.Destination == d.probe {
				d.lastHeard = d.now()
				if d.params.ReadOnConnect {
					d.readAll(ctx)
				}
				return driver.ConnectSuccess, nil
			}
		case err := <-d.conn.errc:
			d.conn.errc <- err
			return driver.ConnectFatal, fmt.Errorf("knxd connection: %w", err)
		case <-timer.C:
			return driver.ConnectRetry, fmt.Errorf("no answer from %s within %s", d.probe, d.params.ProbeTimeout)
		case <-ctx.Done():
			return driver.ConnectRetry, ctx.Err()
		}
	}
}

// readAll requests the current value of every readable point. Answers are
// applied by later polls.
func (d *Driver) readAll(ctx context.Context) {
	seen := make(map[GroupAddress]bool)
	for _, pt := range d.points {
		ga := pt.statusAddress()
		if pt.Access == "w" || seen[ga] || ga == d.probe {
			continue
		}
		seen[ga] = true
		if err := d.conn.send(ctx, Telegram{Destination: ga, APCI: APCIRead}); err != nil {
			d.env.Logger.Warn("initial read failed", "address", ga.String(), "error", err)
			return
		}
	}
}

// Poll applies queued telegrams and probes a silent bus.
func (d *Driver) Poll(ctx context.Context) (driver.PollResult, error) {
	if err := d.conn.failed(); err != nil {
		return driver.PollLostCommResource, fmt.Errorf("knxd connection: %w", err)
	}

	for drained := false; !drained; {
		select {
		case t := <-d.conn.telegrams:
			d.apply(t)
		default:
			drained = true
		}
	}

	now := d.now()
	if !d.probeSent.IsZero() {
		if now.Sub(d.probeSent) > d.params.ProbeTimeout {
			return driver.PollLostConnection, fmt.Errorf("probe of %s unanswered", d.probe)
		}
		return driver.PollOK, nil
	}
	if now.Sub(d.lastHeard) >= d.params.ProbeInterval {
		if err := d.conn.send(ctx, Telegram{Destination: d.probe, APCI: APCIRead}); err != nil {
			return driver.PollLostCommResource, err
		}
		d.probeSent = now
		if d.env.Verbose(driver.VerbosityMedium) {
			d.env.Logger.Debug("bus silent, probing", "address", d.probe.String())
		}
	}
	return driver.PollOK, nil
}

// apply stores the value a telegram carries into every point listening on
// its destination.
func (d *Driver) apply(t Telegram) {
	d.lastHeard = d.now()
	d.probeSent = time.Time{}
	if !t.IsValue() {
		return
	}
	for _, i := range d.listeners[t.Destination.Uint16()] {
		pt := d.points[i]
		v, err := pt.DPT.Decode(t.Data)
		if err != nil {
			if d.env.Verbose(driver.VerbosityMedium) {
				d.env.Logger.Debug("undecodable telegram", "point", pt.Name, "address", t.Destination.String(), "error", err)
			}
			continue
		}
		if _, err := d.env.Fields.Store(d.ids[i], v); err != nil {
			d.env.Logger.Warn("storing telegram value", "point", pt.Name, "error", err)
		}
	}
	if d.env.Verbose(driver.VerbosityHigh) {
		d.env.Logger.Debug("telegram", "source", t.Source, "destination", t.Destination.String(), "data", fmt.Sprintf("%X", t.Data))
	}
}

func (d *Driver) write(ctx context.Context, def field.Def, v any) error {
	i, ok := d.byName[def.Name]
	if !ok {
		return fmt.Errorf("%w: no point for %s", ErrInvalidConfig, def.Name)
	}
	pt := d.points[i]
	data, err := pt.DPT.Encode(v)
	if err != nil {
		return err
	}
	if d.conn == nil {
		return errors.New("knx: group socket closed")
	}
	return d.conn.send(ctx, Telegram{Destination: pt.Address, APCI: APCIWrite, Data: data})
}

// WriteBool sends a DPT 1 group write.
func (d *Driver) WriteBool(ctx context.Context, def field.Def, v bool) error {
	return d.write(ctx, def, v)
}

// WriteInt sends a DPT 5.004 or 17 group write.
func (d *Driver) WriteInt(ctx context.Context, def field.Def, v int64) error {
	return d.write(ctx, def, v)
}

// WriteFloat sends a DPT 5.001 or 9 group write.
func (d *Driver) WriteFloat(ctx context.Context, def field.Def, v float64) error {
	return d.write(ctx, def, v)
}

// Backdoor supports "read" with a group address payload, which sends a
// read request for any address.
func (d *Driver) Backdoor(ctx context.Context, op string, payload []byte) ([]byte, error) {
	if op != "read" {
		return nil, fmt.Errorf("%w: knx backdoor %q", driver.ErrUnsupported, op)
	}
	ga, err := ParseGroupAddress(string(payload))
	if err != nil {
		return nil, err
	}
	if d.conn == nil {
		return nil, errors.New("knx: group socket closed")
	}
	return nil, d.conn.send(ctx, Telegram{Destination: ga, APCI: APCIRead})
}
