package field

import (
	"fmt"
	"strings"
	"sync"
)

// ID identifies a field within one field list.
type ID uint32

// Snapshot is a copy of a field's definition summary and current value.
// Value is nil when Valid is false.
type Snapshot struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Type   Type   `json:"type"`
	Value  any    `json:"value"`
	Serial uint32 `json:"serial"`
	Valid  bool   `json:"valid"`
}

type slot struct {
	value  any
	serial uint32
	valid  bool
	dirty  bool
}

// Registry holds one driver's field definitions and value slots.
//
// Register, Store, Write, Invalidate, InvalidateAll and ClearDirty must only
// be called from the owning driver goroutine. All other methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	defs   []Def
	slots  []slot
	byName map[string]ID
	listID uint32
}

// NewRegistry creates an empty registry with list ID 0.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ID)}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register replaces the field set and returns the new list ID.
// All slots start invalid. On error the existing set is left untouched.
func (r *Registry) Register(defs []Def) (uint32, error) {
	byName := make(map[string]ID, len(defs))
	copied := make([]Def, len(defs))
	for i, d := range defs {
		if err := d.Validate(); err != nil {
			return 0, err
		}
		k := key(d.Name)
		if _, dup := byName[k]; dup {
			return 0, fmt.Errorf("%w: duplicate field %q", ErrInvalidDef, d.Name)
		}
		byName[k] = ID(i)
		copied[i] = d.clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = copied
	r.slots = make([]slot, len(copied))
	r.byName = byName
	r.listID++
	return r.listID, nil
}

// ListID returns the current field list ID.
func (r *Registry) ListID() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listID
}

// Len returns the number of registered fields.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Defs returns a copy of the field definitions and the list ID they belong to.
func (r *Registry) Defs() ([]Def, uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.clone()
	}
	return out, r.listID
}

// Find resolves a field name (case-insensitive) to its ID.
func (r *Registry) Find(name string) (ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[key(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return id, nil
}

// Def returns the definition of a field.
func (r *Registry) Def(id ID) (Def, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.defs) {
		return Def{}, fmt.Errorf("%w: id %d", ErrUnknownField, id)
	}
	return r.defs[id].clone(), nil
}

// Read returns a consistent copy of a field's value and serial.
func (r *Registry) Read(id ID) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(id)
}

// ReadByName resolves and reads a field in one critical section.
func (r *Registry) ReadByName(name string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[key(name)]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return r.snapshotLocked(id)
}

// ReadAt reads a field by an ID resolved under listID.
func (r *Registry) ReadAt(listID uint32, id ID) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if listID != r.listID {
		return Snapshot{}, fmt.Errorf("%w: have %d, want %d", ErrListChanged, listID, r.listID)
	}
	return r.snapshotLocked(id)
}

// Serials returns the current serials for ids resolved under listID.
func (r *Registry) Serials(listID uint32, ids []ID) ([]uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if listID != r.listID {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrListChanged, listID, r.listID)
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		if int(id) >= len(r.slots) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownField, id)
		}
		out[i] = r.slots[id].serial
	}
	return out, nil
}

func (r *Registry) snapshotLocked(id ID) (Snapshot, error) {
	if int(id) >= len(r.defs) {
		return Snapshot{}, fmt.Errorf("%w: id %d", ErrUnknownField, id)
	}
	d, s := r.defs[id], r.slots[id]
	snap := Snapshot{ID: id, Name: d.Name, Type: d.Type, Serial: s.serial, Valid: s.valid}
	if s.valid {
		snap.Value = Clone(s.value)
	}
	return snap, nil
}

// Check validates a caller write without committing it and returns the
// definition and normalized value.
func (r *Registry) Check(id ID, v any) (Def, any, error) {
	r.mu.RLock()
	if int(id) >= len(r.defs) {
		r.mu.RUnlock()
		return Def{}, nil, fmt.Errorf("%w: id %d", ErrUnknownField, id)
	}
	d := r.defs[id].clone()
	r.mu.RUnlock()

	if !d.Access.CanWrite() {
		return d, nil, fmt.Errorf("%w: %s", ErrReadOnly, d.Name)
	}
	nv, err := Normalize(d.Type, v)
	if err != nil {
		return d, nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if err := d.Limits.Check(nv); err != nil {
		return d, nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	return d, nv, nil
}

// Write commits a caller write. It rejects fields without write access,
// bumps the serial when the value changed or the field is always-write,
// and marks the slot dirty for the driver to push to the device.
func (r *Registry) Write(id ID, v any) (bool, error) {
	_, nv, err := r.Check(id, v)
	if err != nil {
		return false, err
	}
	return r.commit(id, nv, true), nil
}

// Store commits a value read from the device. Access mode is ignored.
// The serial is bumped only if the value changed or the field is always-write.
func (r *Registry) Store(id ID, v any) (bool, error) {
	d, err := r.Def(id)
	if err != nil {
		return false, err
	}
	nv, err := Normalize(d.Type, v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", d.Name, err)
	}
	return r.commit(id, nv, false), nil
}

// StoreByName is Store with name resolution.
func (r *Registry) StoreByName(name string, v any) (bool, error) {
	id, err := r.Find(name)
	if err != nil {
		return false, err
	}
	return r.Store(id, v)
}

func (r *Registry) commit(id ID, v any, dirty bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.slots[id]
	changed := !s.valid || !Equal(s.value, v)
	if !changed && !r.defs[id].AlwaysWrite {
		return false
	}
	s.value = v
	s.valid = true
	s.serial++
	if dirty {
		s.dirty = true
	}
	return changed
}

// Invalidate marks a field as having no current value.
func (r *Registry) Invalidate(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < len(r.slots) {
		r.invalidateLocked(id)
	}
}

// InvalidateAll marks every field as having no current value.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.invalidateLocked(ID(i))
	}
}

func (r *Registry) invalidateLocked(id ID) {
	s := &r.slots[id]
	if !s.valid {
		return
	}
	s.valid = false
	s.value = nil
	s.dirty = false
	s.serial++
}

// Dirty returns the IDs of fields written by callers but not yet pushed
// to the device.
func (r *Registry) Dirty() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ID
	for i, s := range r.slots {
		if s.dirty {
			out = append(out, ID(i))
		}
	}
	return out
}

// ClearDirty clears the dirty flag of a field.
func (r *Registry) ClearDirty(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < len(r.slots) {
		r.slots[id].dirty = false
	}
}
