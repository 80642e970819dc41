package host

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// The methods in this file are the operations remote callers reach through
// the API and MQTT surfaces. Everything except CheckChanges goes through the
// driver's command queue.

func (h *Host) submit(ctx context.Context, moniker string, cmd *driver.Command, wait driver.WaitPolicy, timeout time.Duration) (driver.Result, error) {
	in, err := h.Instance(moniker)
	if err != nil {
		return driver.Result{}, err
	}
	if timeout <= 0 {
		timeout = h.opts.CommandTimeout
	}
	return in.Submit(ctx, cmd, wait, timeout)
}

// ReadField reads a field by name.
func (h *Host) ReadField(ctx context.Context, moniker, name string) (field.Snapshot, error) {
	res, err := h.submit(ctx, moniker, driver.NewRead(name), driver.Blocking, 0)
	return res.Reading, err
}

// ReadFieldByID reads a field by an id resolved under listID.
func (h *Host) ReadFieldByID(ctx context.Context, moniker string, listID uint32, id field.ID) (field.Snapshot, error) {
	res, err := h.submit(ctx, moniker, driver.NewReadByID(listID, id), driver.Blocking, 0)
	return res.Reading, err
}

// WriteField writes a field. With FireAndForget the returned snapshot is
// empty and failures are only logged by the driver.
func (h *Host) WriteField(ctx context.Context, moniker, name string, value any, wait driver.WaitPolicy, timeout time.Duration) (field.Snapshot, error) {
	res, err := h.submit(ctx, moniker, driver.NewWrite(name, value), wait, timeout)
	return res.Reading, err
}

// QueryFields returns the field definitions with all three version ids.
func (h *Host) QueryFields(ctx context.Context, moniker string) (driver.FieldList, error) {
	listID := h.DriverListID()
	res, err := h.submit(ctx, moniker, driver.NewQueryFields(), driver.Blocking, 0)
	if err != nil {
		return driver.FieldList{}, err
	}
	fl := *res.Fields
	fl.DriverListID = listID
	return fl, nil
}

// SendBackdoor passes a driver-specific operation through.
func (h *Host) SendBackdoor(ctx context.Context, moniker, op string, payload []byte) ([]byte, error) {
	res, err := h.submit(ctx, moniker, driver.NewBackdoor(op, payload), driver.Blocking, 0)
	return res.Payload, err
}

// SetVerbosity changes a driver's log verbosity.
func (h *Host) SetVerbosity(moniker string, v driver.Verbosity) error {
	in, err := h.Instance(moniker)
	if err != nil {
		return err
	}
	in.SetVerbosity(v)
	return nil
}

// Reconfigure makes a driver release its transport and reconnect.
func (h *Host) Reconfigure(ctx context.Context, moniker string) error {
	_, err := h.submit(ctx, moniker, driver.NewReconfigure(), driver.Blocking, 0)
	return err
}

// CheckChanges reports versions, state and field serials in one call. It
// reads under the registry lock instead of queueing, so it answers even
// while the driver goroutine is busy in a hook.
func (h *Host) CheckChanges(_ context.Context, moniker string, listID uint32, ids []field.ID) (driver.ChangeSet, error) {
	in, err := h.Instance(moniker)
	if err != nil {
		return driver.ChangeSet{}, err
	}
	cs := driver.ChangeSet{
		Versions: driver.Versions{
			FieldListID:  in.Fields().ListID(),
			DriverID:     in.DriverID(),
			DriverListID: h.DriverListID(),
		},
		State: in.State(),
	}
	if listID == cs.FieldListID && len(ids) > 0 {
		if serials, err := in.Serials(listID, ids); err == nil {
			cs.Serials = serials
		}
	}
	return cs, nil
}

// ReadFields reads several fields resolved under listID in one command.
func (h *Host) ReadFields(ctx context.Context, moniker string, listID uint32, ids []field.ID) ([]field.Snapshot, error) {
	res, err := h.submit(ctx, moniker, driver.NewReadMany(listID, ids), driver.Blocking, 0)
	return res.Readings, err
}
