// Package field provides the per-driver Field Registry for the Gray Logic
// driver host.
//
// Every loaded driver exposes its device state as a fixed set of typed, named
// fields. The Registry holds the field definitions registered by the driver
// together with one value slot per field. Each slot carries a serial number
// that is bumped whenever the committed value changes, which lets callers
// detect change cheaply without comparing values.
//
// # Ownership
//
//	┌───────────────────────────┐          ┌───────────────────────────┐
//	│      Driver goroutine     │          │      Caller goroutines    │
//	│                           │          │                           │
//	│  Register / Store / Write │─────────▶│   Read / Find / Serials   │
//	│  Invalidate / ClearDirty  │ RWMutex  │   (copies only)           │
//	└───────────────────────────┘          └───────────────────────────┘
//
// Only the owning driver goroutine mutates a Registry. Any goroutine may read,
// and reads always return a consistent (value, serial) pair.
//
// # Versioning
//
// Field IDs are indexes into the current field list. Register replaces the
// list and bumps the list ID, so an ID is only meaningful together with the
// list ID it was resolved under. ReadAt and Serials reject IDs resolved under
// an older list with ErrListChanged.
//
// # Usage
//
//	reg := field.NewRegistry()
//	_, err := reg.Register([]field.Def{
//	    {Name: "Power", Type: field.TypeBool, Access: field.AccessReadWrite, AlwaysWrite: true},
//	    {Name: "Temp", Type: field.TypeFloat, Access: field.AccessRead},
//	})
//
//	id, _ := reg.Find("Temp")
//	reg.Store(id, 21.5)          // driver goroutine
//	snap, _ := reg.Read(id)      // any goroutine
package field
