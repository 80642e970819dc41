package host

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
)

// Factories maps driver type names to their constructors.
type Factories struct {
	mu sync.RWMutex
	m  map[string]driver.Factory
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]driver.Factory)}
}

// Register adds a factory for typ.
func (f *Factories) Register(typ string, fn driver.Factory) error {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" || fn == nil {
		return fmt.Errorf("%w: empty type or nil factory", ErrInvalidSpec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[typ]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typ)
	}
	f.m[typ] = fn
	return nil
}

// Lookup returns the factory for typ.
func (f *Factories) Lookup(typ string) (driver.Factory, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.m[strings.ToLower(strings.TrimSpace(typ))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return fn, nil
}

// Types returns the registered type names in sorted order.
func (f *Factories) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for t := range f.m {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
