package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Type is the driver type name registered with the host.
const Type = "sim"

// Field names.
const (
	FieldPower    = "Power"
	FieldTemp     = "Temp"
	FieldSetpoint = "Setpoint"
	FieldMode     = "Mode"
	FieldLabel    = "Label"
	FieldTags     = "Tags"
	FieldLastSeen = "LastSeen"
	FieldRaw      = "Raw"
)

// Modes accepted by the Mode field.
var Modes = []string{"off", "heat", "cool", "auto"}

// Backdoor operations.
const (
	OpEcho  = "echo"
	OpFail  = "fail"
	OpState = "state"
)

// ErrRejected is returned by a write callback when the simulated device
// refuses a value.
var ErrRejected = errors.New("sim: value rejected")

// Params configures a simulated device.
type Params struct {
	InitialTemp  float64       `yaml:"initial_temp"`
	Setpoint     float64       `yaml:"setpoint"`
	Label        string        `yaml:"label"`
	Drift        float64       `yaml:"drift"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// ConnectAttempts is how many Connect calls return ConnectRetry before
	// the handshake succeeds.
	ConnectAttempts int `yaml:"connect_attempts"`
	// RejectLabels lists labels the device refuses.
	RejectLabels []string `yaml:"reject_labels"`
}

// Driver is the simulated device.
type Driver struct {
	driver.Base

	params Params
	env    *driver.Env
	now    func() time.Time

	// device-side state, only touched from the instance goroutine
	temp     float64
	setpoint float64
	power    bool
	attempts int
	raw      []byte
	fail     bool
}

// New is the driver.Factory for simulated devices.
func New(spec driver.Spec) (driver.Driver, error) {
	p := Params{InitialTemp: 20, Setpoint: 21, Drift: 0.5}
	if err := spec.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.Drift < 0 {
		return nil, fmt.Errorf("sim: drift must be non-negative, got %v", p.Drift)
	}
	if p.Label == "" {
		p.Label = spec.Moniker
	}
	return &Driver{params: p, now: time.Now}, nil
}

// Init registers the field set.
func (d *Driver) Init(env *driver.Env) error {
	d.env = env
	_, err := env.Fields.Register([]field.Def{
		{Name: FieldPower, Type: field.TypeBool, Access: field.AccessReadWrite, AlwaysWrite: true, SemType: "switch"},
		{Name: FieldTemp, Type: field.TypeFloat, Access: field.AccessRead, SemType: "temperature"},
		{Name: FieldSetpoint, Type: field.TypeFloat, Access: field.AccessReadWrite, Limits: field.Range(5, 35), SemType: "temperature"},
		{Name: FieldMode, Type: field.TypeString, Access: field.AccessReadWrite, Limits: field.Enum(Modes...)},
		{Name: FieldLabel, Type: field.TypeString, Access: field.AccessReadWrite},
		{Name: FieldTags, Type: field.TypeStringList, Access: field.AccessReadWrite},
		{Name: FieldLastSeen, Type: field.TypeTime, Access: field.AccessRead},
		{Name: FieldRaw, Type: field.TypeBinary, Access: field.AccessReadWrite},
	})
	if err != nil {
		return err
	}
	env.SetPollInterval(d.params.PollInterval)
	return nil
}

// AcquireResource resets the device to its power-on state.
func (d *Driver) AcquireResource(context.Context) error {
	d.temp = d.params.InitialTemp
	d.setpoint = d.params.Setpoint
	d.power = false
	d.attempts = 0
	return nil
}

// Connect succeeds after the configured number of retries and publishes
// the initial values.
func (d *Driver) Connect(context.Context) (driver.ConnectResult, error) {
	if d.attempts < d.params.ConnectAttempts {
		d.attempts++
		return driver.ConnectRetry, nil
	}

	d.store(
		FieldPower, d.power,
		FieldSetpoint, d.setpoint,
		FieldMode, "off",
		FieldLabel, d.params.Label,
		FieldTags, []string{},
		FieldRaw, []byte{},
		FieldTemp, round(d.temp),
		FieldLastSeen, d.now().UTC(),
	)
	return driver.ConnectSuccess, nil
}

// Poll advances the simulation by one step.
func (d *Driver) Poll(context.Context) (driver.PollResult, error) {
	if d.fail {
		d.fail = false
		return driver.PollLostConnection, errors.New("sim: forced failure")
	}

	target := d.params.InitialTemp
	if d.power {
		target = d.setpoint
	}
	switch diff := target - d.temp; {
	case math.Abs(diff) <= d.params.Drift:
		d.temp = target
	case diff > 0:
		d.temp += d.params.Drift
	default:
		d.temp -= d.params.Drift
	}

	d.store(FieldTemp, round(d.temp), FieldLastSeen, d.now().UTC())
	f := d.env.Fields

	// Raw has no callback; push whatever callers wrote.
	for _, id := range f.Dirty() {
		snap, err := f.Read(id)
		if err != nil || !snap.Valid {
			f.ClearDirty(id)
			continue
		}
		if b, ok := snap.Value.([]byte); ok {
			d.raw = slices.Clone(b)
		}
		f.ClearDirty(id)
	}
	if d.env.Verbose(driver.VerbosityHigh) {
		d.env.Logger.Debug("sim step", "temp", d.temp, "setpoint", d.setpoint, "power", d.power)
	}
	return driver.PollOK, nil
}

// WriteBool switches the unit on or off.
func (d *Driver) WriteBool(_ context.Context, _ field.Def, v bool) error {
	d.power = v
	return nil
}

// WriteFloat changes the setpoint.
func (d *Driver) WriteFloat(_ context.Context, def field.Def, v float64) error {
	if def.Name != FieldSetpoint {
		return fmt.Errorf("%w: %s", ErrRejected, def.Name)
	}
	d.setpoint = v
	return nil
}

// WriteString accepts mode and label changes.
func (d *Driver) WriteString(_ context.Context, def field.Def, v string) error {
	if def.Name == FieldLabel && slices.Contains(d.params.RejectLabels, v) {
		return fmt.Errorf("%w: label %q", ErrRejected, v)
	}
	if def.Name == FieldMode {
		d.power = v != "off"
		d.store(FieldPower, d.power)
	}
	return nil
}

// WriteStringList accepts any tag set without duplicates.
func (d *Driver) WriteStringList(_ context.Context, _ field.Def, v []string) error {
	seen := make(map[string]struct{}, len(v))
	for _, t := range v {
		if _, dup := seen[t]; dup {
			return fmt.Errorf("%w: duplicate tag %q", ErrRejected, t)
		}
		seen[t] = struct{}{}
	}
	return nil
}

// Backdoor handles echo, fail and state.
func (d *Driver) Backdoor(_ context.Context, op string, payload []byte) ([]byte, error) {
	switch op {
	case OpEcho:
		return slices.Clone(payload), nil
	case OpFail:
		d.fail = true
		return nil, nil
	case OpState:
		return fmt.Appendf(nil, "temp=%.2f setpoint=%.2f power=%t raw=%d", d.temp, d.setpoint, d.power, len(d.raw)), nil
	}
	return nil, fmt.Errorf("%w: sim backdoor %q", driver.ErrUnsupported, op)
}

// store commits name/value pairs. Names and types are fixed by Init, so
// errors cannot occur.
func (d *Driver) store(pairs ...any) {
	for i := 0; i+1 < len(pairs); i += 2 {
		d.env.Fields.StoreByName(pairs[i].(string), pairs[i+1]) //nolint:errcheck // see above
	}
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
