package field

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Type is the declared value type of a field.
type Type int

// Field value types. Values are held in their canonical Go form:
// bool, int64, float64, string, []string, time.Time and []byte.
const (
	TypeBool Type = iota + 1
	TypeInt
	TypeFloat
	TypeString
	TypeStringList
	TypeTime
	TypeBinary
)

var typeNames = map[Type]string{
	TypeBool:       "bool",
	TypeInt:        "int",
	TypeFloat:      "float",
	TypeString:     "string",
	TypeStringList: "stringlist",
	TypeTime:       "time",
	TypeBinary:     "binary",
}

// String returns the lower-case type name.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidDef, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	p, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = p
	return nil
}

// ParseType parses a type name such as "bool" or "stringlist".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return TypeBool, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "number":
		return TypeFloat, nil
	case "string":
		return TypeString, nil
	case "stringlist", "string-list", "strlist":
		return TypeStringList, nil
	case "time", "timestamp":
		return TypeTime, nil
	case "binary", "bytes":
		return TypeBinary, nil
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidDef, s)
}

// Access is the access mode of a field.
type Access int

// Access modes.
const (
	AccessRead Access = iota + 1
	AccessWrite
	AccessReadWrite
)

// String returns "r", "w" or "rw".
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// CanRead reports whether the field value may be read by callers.
func (a Access) CanRead() bool { return a == AccessRead || a == AccessReadWrite }

// CanWrite reports whether callers may write the field.
func (a Access) CanWrite() bool { return a == AccessWrite || a == AccessReadWrite }

// MarshalText implements encoding.TextMarshaler.
func (a Access) MarshalText() ([]byte, error) {
	if a < AccessRead || a > AccessReadWrite {
		return nil, fmt.Errorf("%w: access %d", ErrInvalidDef, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Access) UnmarshalText(b []byte) error {
	p, err := ParseAccess(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// ParseAccess parses "r", "w", "rw" (or read/write/readwrite).
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r", "read":
		return AccessRead, nil
	case "w", "write":
		return AccessWrite, nil
	case "rw", "readwrite", "read-write":
		return AccessReadWrite, nil
	}
	return 0, fmt.Errorf("%w: unknown access %q", ErrInvalidDef, s)
}

// Limits constrains the values a field accepts.
// Min/Max apply to int and float fields, Enum to string fields.
type Limits struct {
	Min  *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max  *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Range returns limits for a numeric range.
func Range(lo, hi float64) *Limits {
	return &Limits{Min: &lo, Max: &hi}
}

// Enum returns limits for an enumerated string field.
func Enum(values ...string) *Limits {
	return &Limits{Enum: slices.Clone(values)}
}

func (l *Limits) validFor(t Type) bool {
	if l.Min != nil || l.Max != nil {
		if t != TypeInt && t != TypeFloat {
			return false
		}
		if l.Min != nil && l.Max != nil && *l.Min > *l.Max {
			return false
		}
	}
	if len(l.Enum) > 0 && t != TypeString {
		return false
	}
	return true
}

// Check validates a normalized value against the limits.
func (l *Limits) Check(v any) error {
	if l == nil {
		return nil
	}
	var n float64
	switch x := v.(type) {
	case int64:
		n = float64(x)
	case float64:
		n = x
	case string:
		if len(l.Enum) > 0 && !slices.Contains(l.Enum, x) {
			return fmt.Errorf("%w: %q not in %v", ErrOutOfRange, x, l.Enum)
		}
		return nil
	default:
		return nil
	}
	if l.Min != nil && n < *l.Min {
		return fmt.Errorf("%w: %v < %v", ErrOutOfRange, n, *l.Min)
	}
	if l.Max != nil && n > *l.Max {
		return fmt.Errorf("%w: %v > %v", ErrOutOfRange, n, *l.Max)
	}
	return nil
}

// Def is an immutable field definition.
type Def struct {
	Name        string  `json:"name" yaml:"name"`
	Type        Type    `json:"type" yaml:"type"`
	Access      Access  `json:"access" yaml:"access"`
	AlwaysWrite bool    `json:"always_write,omitempty" yaml:"always_write,omitempty"`
	Limits      *Limits `json:"limits,omitempty" yaml:"limits,omitempty"`
	SemType     string  `json:"sem_type,omitempty" yaml:"sem_type,omitempty"`
}

// Validate checks a single definition.
func (d Def) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDef)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown type", ErrInvalidDef, d.Name)
	}
	if d.Access < AccessRead || d.Access > AccessReadWrite {
		return fmt.Errorf("%w: %s: unknown access", ErrInvalidDef, d.Name)
	}
	if d.Limits != nil && !d.Limits.validFor(d.Type) {
		return fmt.Errorf("%w: %s: limits not valid for %s", ErrInvalidDef, d.Name, d.Type)
	}
	return nil
}

func (d Def) clone() Def {
	if d.Limits != nil {
		l := *d.Limits
		l.Enum = slices.Clone(l.Enum)
		d.Limits = &l
	}
	return d
}

// Normalize converts v to the canonical Go representation of t.
// Strings are parsed for non-string types so that values arriving from
// text protocols and JSON bodies can be written directly.
func Normalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value for %s", ErrTypeMismatch, t)
	}
	switch t {
	case TypeBool:
		return toBool(v)
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
	case TypeStringList:
		return toStringList(v)
	case TypeTime:
		return toTime(v)
	case TypeBinary:
		switch x := v.(type) {
		case []byte:
			return bytes.Clone(x), nil
		case string:
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %T for %s", ErrTypeMismatch, v, t)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrTypeMismatch, x)
		}
		return b, nil
	}
	if n, ok := asInt(v); ok {
		return n != 0, nil
	}
	return nil, fmt.Errorf("%w: %T for bool", ErrTypeMismatch, v)
}

func toInt(v any) (any, error) {
	if n, ok := asInt(v); ok {
		return n, nil
	}
	switch x := v.(type) {
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int", ErrTypeMismatch, x)
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: %T for int", ErrTypeMismatch, v)
}

func floatToInt(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %v is not integral", ErrTypeMismatch, f)
	}
	if f >= 0x1p63 || f < -0x1p63 {
		return nil, fmt.Errorf("%w: %v overflows int64", ErrTypeMismatch, f)
	}
	return int64(f), nil
}

// finite rejects NaN and infinities: they defeat range checks and never
// compare equal, so storing one would bump the serial on every poll.
func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v is not a finite float", ErrTypeMismatch, f)
	}
	return f, nil
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", ErrTypeMismatch, x)
		}
		return finite(f)
	}
	if n, ok := asInt(v); ok {
		return float64(n), nil
	}
	return nil, fmt.Errorf("%w: %T for float", ErrTypeMismatch, v)
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func toStringList(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		return slices.Clone(x), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: list element %T", ErrTypeMismatch, e)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		if x == "" {
			return []string{}, nil
		}
		return strings.Split(x, ","), nil
	}
	return nil, fmt.Errorf("%w: %T for stringlist", ErrTypeMismatch, v)
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not RFC3339", ErrTypeMismatch, x)
		}
		return t, nil
	}
	if n, ok := asInt(v); ok {
		return time.Unix(n, 0).UTC(), nil
	}
	return nil, fmt.Errorf("%w: %T for time", ErrTypeMismatch, v)
}

// Equal compares two normalized values.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case []string:
		y, ok := b.([]string)
		return ok && slices.Equal(x, y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return a == b
}

// Clone returns a copy of v that shares no memory with it.
func Clone(v any) any {
	switch x := v.(type) {
	case []string:
		return slices.Clone(x)
	case []byte:
		return bytes.Clone(x)
	}
	return v
}
