package driver

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// execute runs one command on the instance goroutine and delivers its
// result. The reply channel is buffered, so delivery never blocks even
// when the submitter has given up.
func (in *Instance) execute(cmd *Command) {
	res := in.dispatch(cmd)
	in.commandsProcessed.Add(1)
	if res.Err != nil {
		in.commandsFailed.Add(1)
		switch {
		case cmd.wait == FireAndForget:
			in.logger.Warn("command failed", "kind", cmd.Kind.String(), "target", cmd.target(), "error", res.Err)
		case cmd.Abandoned():
			in.logger.Debug("abandoned command failed", "kind", cmd.Kind.String(), "target", cmd.target(), "error", res.Err)
		}
	} else if in.env.Verbose(VerbosityHigh) {
		in.logger.Debug("command done", "kind", cmd.Kind.String(), "target", cmd.target(), "id", cmd.ID)
	}
	cmd.complete(res)
}

func (in *Instance) dispatch(cmd *Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("command panicked", "kind", cmd.Kind.String(), "panic", r, "stack", string(debug.Stack()))
			res = Result{Err: fmt.Errorf("%w: %v", ErrCommandPanic, r)}
		}
	}()

	switch cmd.Kind {
	case KindRead:
		return in.doRead(cmd)
	case KindReadMany:
		return in.doReadMany(cmd)
	case KindWrite:
		return in.doWrite(cmd)
	case KindQueryFields:
		defs, listID := in.fields.Defs()
		return Result{Fields: &FieldList{
			Moniker:  in.spec.Moniker,
			Defs:     defs,
			Versions: Versions{FieldListID: listID, DriverID: in.driverID},
		}}
	case KindBackdoor:
		h, ok := in.drv.(BackdoorHandler)
		if !ok {
			return Result{Err: fmt.Errorf("%w: backdoor on %s", ErrUnsupported, in.spec.Type)}
		}
		out, err := h.Backdoor(in.ctx, cmd.Op, cmd.Payload)
		return Result{Payload: out, Err: err}
	case KindReconfigure:
		in.restart = true
		return Result{}
	case KindExec:
		if cmd.exec == nil {
			return Result{Err: fmt.Errorf("%w: empty exec command", ErrUnsupported)}
		}
		v, err := cmd.exec(in.env)
		return Result{Value: v, Err: err}
	}
	return Result{Err: fmt.Errorf("%w: command kind %s", ErrUnsupported, cmd.Kind)}
}

func (in *Instance) resolve(cmd *Command) (field.ID, error) {
	if !cmd.byID {
		return in.fields.Find(cmd.Field)
	}
	if cur := in.fields.ListID(); cur != cmd.ListID {
		return 0, fmt.Errorf("%w: have %d, want %d", field.ErrListChanged, cmd.ListID, cur)
	}
	return cmd.FieldID, nil
}

func (in *Instance) requireConnected() error {
	if s := in.State(); s != StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, in.spec.Moniker, s)
	}
	return nil
}

func (in *Instance) doRead(cmd *Command) Result {
	if err := in.requireConnected(); err != nil {
		return Result{Err: err}
	}
	id, err := in.resolve(cmd)
	if err != nil {
		return Result{Err: err}
	}
	snap, err := in.fields.Read(id)
	return Result{Reading: snap, Err: err}
}

func (in *Instance) doReadMany(cmd *Command) Result {
	if err := in.requireConnected(); err != nil {
		return Result{Err: err}
	}
	out := make([]field.Snapshot, 0, len(cmd.IDs))
	for _, id := range cmd.IDs {
		snap, err := in.fields.ReadAt(cmd.ListID, id)
		if err != nil {
			return Result{Err: err}
		}
		out = append(out, snap)
	}
	return Result{Readings: out}
}

func (in *Instance) doWrite(cmd *Command) Result {
	if err := in.requireConnected(); err != nil {
		return Result{Err: err}
	}
	id, err := in.resolve(cmd)
	if err != nil {
		return Result{Err: err}
	}
	def, v, err := in.fields.Check(id, cmd.Value)
	if err != nil {
		return Result{Err: err}
	}

	handled, err := in.callWriter(def, v)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %s: %w", ErrWriteRejected, def.Name, err)}
	}
	if _, err := in.fields.Write(id, v); err != nil {
		return Result{Err: err}
	}
	if handled {
		in.fields.ClearDirty(id)
	}
	snap, err := in.fields.Read(id)
	return Result{Reading: snap, Err: err}
}

// callWriter invokes the driver's typed callback for def, if it has one.
func (in *Instance) callWriter(def field.Def, v any) (bool, error) {
	ctx := in.ctx
	switch def.Type {
	case field.TypeBool:
		if w, ok := in.drv.(BoolWriter); ok {
			return true, w.WriteBool(ctx, def, v.(bool))
		}
	case field.TypeInt:
		if w, ok := in.drv.(IntWriter); ok {
			return true, w.WriteInt(ctx, def, v.(int64))
		}
	case field.TypeFloat:
		if w, ok := in.drv.(FloatWriter); ok {
			return true, w.WriteFloat(ctx, def, v.(float64))
		}
	case field.TypeString:
		if w, ok := in.drv.(StringWriter); ok {
			return true, w.WriteString(ctx, def, v.(string))
		}
	case field.TypeStringList:
		if w, ok := in.drv.(StringListWriter); ok {
			return true, w.WriteStringList(ctx, def, v.([]string))
		}
	case field.TypeTime:
		if w, ok := in.drv.(TimeWriter); ok {
			return true, w.WriteTime(ctx, def, v.(time.Time))
		}
	case field.TypeBinary:
		if w, ok := in.drv.(BinaryWriter); ok {
			return true, w.WriteBinary(ctx, def, v.([]byte))
		}
	}
	return false, nil
}
