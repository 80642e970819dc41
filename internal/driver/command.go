package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Kind identifies what a command does.
type Kind int

const (
	KindRead Kind = iota + 1
	KindReadMany
	KindWrite
	KindQueryFields
	KindBackdoor
	KindReconfigure
	KindExec
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindReadMany:
		return "read_many"
	case KindWrite:
		return "write"
	case KindQueryFields:
		return "query_fields"
	case KindBackdoor:
		return "backdoor"
	case KindReconfigure:
		return "reconfigure"
	case KindExec:
		return "exec"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// WaitPolicy controls whether Submit waits for the result.
type WaitPolicy int

const (
	// Blocking waits for completion or the timeout.
	Blocking WaitPolicy = iota
	// FireAndForget returns as soon as the command is queued.
	FireAndForget
)

func (w WaitPolicy) String() string {
	if w == FireAndForget {
		return "fire_and_forget"
	}
	return "blocking"
}

// ParseWaitPolicy parses "blocking" or "fire_and_forget". Empty means
// Blocking.
func ParseWaitPolicy(s string) (WaitPolicy, error) {
	switch s {
	case "", "blocking", "wait":
		return Blocking, nil
	case "fire_and_forget", "async":
		return FireAndForget, nil
	}
	return Blocking, fmt.Errorf("driver: unknown wait policy %q", s)
}

// Result is the outcome of a command.
type Result struct {
	Reading  field.Snapshot
	Readings []field.Snapshot
	Fields   *FieldList
	Payload  []byte
	Value    any
	Err      error
}

// Command is a request executed on a driver's own goroutine.
// A command is consumed exactly once.
type Command struct {
	ID   string
	Kind Kind

	// Target: a field name, or an ID resolved under ListID.
	Field   string
	FieldID field.ID
	ListID  uint32
	IDs     []field.ID
	byID    bool

	// Op is the backdoor operation.
	Op      string
	Value   any
	Payload []byte

	exec func(env *Env) (any, error)

	wait      WaitPolicy
	reply     chan Result
	once      sync.Once
	abandoned atomic.Bool
}

func newCommand(kind Kind) *Command {
	return &Command{
		ID:    uuid.NewString(),
		Kind:  kind,
		reply: make(chan Result, 1),
	}
}

// NewRead reads one field by name.
func NewRead(name string) *Command {
	c := newCommand(KindRead)
	c.Field = name
	return c
}

// NewReadByID reads one field by an ID resolved under listID.
func NewReadByID(listID uint32, id field.ID) *Command {
	c := newCommand(KindRead)
	c.ListID, c.FieldID, c.byID = listID, id, true
	return c
}

// NewReadMany reads several fields resolved under listID.
func NewReadMany(listID uint32, ids []field.ID) *Command {
	c := newCommand(KindReadMany)
	c.ListID = listID
	c.IDs = append([]field.ID(nil), ids...)
	return c
}

// NewWrite writes a field by name.
func NewWrite(name string, v any) *Command {
	c := newCommand(KindWrite)
	c.Field, c.Value = name, v
	return c
}

// NewWriteByID writes a field by an ID resolved under listID.
func NewWriteByID(listID uint32, id field.ID, v any) *Command {
	c := newCommand(KindWrite)
	c.ListID, c.FieldID, c.byID, c.Value = listID, id, true, v
	return c
}

// NewQueryFields asks for the field definitions and versions.
func NewQueryFields() *Command {
	return newCommand(KindQueryFields)
}

// NewBackdoor sends a driver-specific operation.
func NewBackdoor(op string, payload []byte) *Command {
	c := newCommand(KindBackdoor)
	c.Op, c.Payload = op, payload
	return c
}

// NewReconfigure releases the transport and restarts the connection cycle.
func NewReconfigure() *Command {
	return newCommand(KindReconfigure)
}

// NewExec runs fn on the driver goroutine.
func NewExec(fn func(env *Env) (any, error)) *Command {
	c := newCommand(KindExec)
	c.exec = fn
	return c
}

func (c *Command) complete(res Result) {
	c.once.Do(func() { c.reply <- res })
}

func (c *Command) abandon() {
	c.abandoned.Store(true)
}

// Abandoned reports whether the submitter stopped waiting.
func (c *Command) Abandoned() bool {
	return c.abandoned.Load()
}

func (c *Command) target() string {
	if c.byID {
		return fmt.Sprintf("#%d@%d", c.FieldID, c.ListID)
	}
	if c.Op != "" {
		return c.Op
	}
	return c.Field
}
