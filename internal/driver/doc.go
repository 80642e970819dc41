// Package driver runs device drivers for the Gray Logic driver host.
//
// Each loaded driver is wrapped in an Instance that owns one goroutine.
// That goroutine is the only code that ever calls the driver's hooks or
// mutates its field registry. It runs the connection state machine:
//
//	NotLoaded ──▶ WaitCommResource ──▶ WaitConfig ──▶ Connecting ──▶ Connected
//	                     ▲                                              │
//	                     │                                              ▼
//	                     └──────────── LostConnection / LostCommResource
//
// Failures never end the loop. Resource failures back off exponentially
// (×1.5, capped), connect failures retry, and a lost connection invalidates
// every field value, releases the transport and starts over.
//
// # Commands
//
// Callers interact with an instance by submitting Commands (read, write,
// query-fields, backdoor, reconfigure). Commands are queued in FIFO order and
// executed on the instance goroutine between hook calls, so a command never
// interleaves with a poll. Submit either waits with a timeout (Blocking) or
// returns immediately (FireAndForget). Each command carries a one-shot
// buffered reply channel, so a caller that times out simply stops listening
// and the late result is dropped.
//
// # Writing a driver
//
//	type Lamp struct {
//	    driver.Base
//	    env *driver.Env
//	}
//
//	func (l *Lamp) Init(env *driver.Env) error {
//	    l.env = env
//	    _, err := env.Fields.Register([]field.Def{
//	        {Name: "Power", Type: field.TypeBool, Access: field.AccessReadWrite},
//	    })
//	    return err
//	}
//
//	func (l *Lamp) Poll(ctx context.Context) (driver.PollResult, error) {
//	    l.env.Fields.StoreByName("Power", readPowerFromDevice())
//	    return driver.PollOK, nil
//	}
//
//	func (l *Lamp) WriteBool(ctx context.Context, def field.Def, v bool) error {
//	    return sendPowerToDevice(v)
//	}
//
// # Thread Safety
//
// Submit, State, Stats, Serials and the accessors are safe for concurrent
// use. Driver hooks are never called concurrently.
package driver
