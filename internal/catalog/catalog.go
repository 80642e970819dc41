package catalog

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/bulkload"
)

// Item is one catalog entry.
type Item struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Artist    string        `json:"artist,omitempty"`
	Album     string        `json:"album,omitempty"`
	Category  string        `json:"category,omitempty"`
	Duration  time.Duration `json:"duration"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate checks the fields every item needs.
func (it Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if it.Title == "" {
		return fmt.Errorf("%w: %s: title is required", ErrInvalidItem, it.ID)
	}
	return nil
}

// Catalog is an immutable, indexed set of items.
type Catalog struct {
	items       []Item
	byID        map[string]int
	byCategory  map[string][]int
	fingerprint string
}

// builder accumulates items for a Catalog. Only Build and New use it.
type builder struct {
	c *Catalog
}

func newBuilder(capacity int) *builder {
	return &builder{c: &Catalog{
		items:      make([]Item, 0, capacity),
		byID:       make(map[string]int, capacity),
		byCategory: make(map[string][]int),
	}}
}

func (b *builder) add(it Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	if _, dup := b.c.byID[it.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, it.ID)
	}
	idx := len(b.c.items)
	b.c.items = append(b.c.items, it)
	b.c.byID[it.ID] = idx
	key := strings.ToLower(it.Category)
	b.c.byCategory[key] = append(b.c.byCategory[key], idx)
	return nil
}

func (b *builder) finish() *Catalog {
	parts := make([]string, 0, len(b.c.items))
	for _, it := range b.c.items {
		parts = append(parts, it.ID+"@"+it.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	slices.Sort(parts)
	b.c.fingerprint = bulkload.Fingerprint(parts...)
	return b.c
}

// New builds a catalog from items in memory.
func New(items []Item) (*Catalog, error) {
	b := newBuilder(len(items))
	for _, it := range items {
		if err := b.add(it); err != nil {
			return nil, err
		}
	}
	return b.finish(), nil
}

// Len returns the number of items. A nil catalog is empty.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Fingerprint identifies the catalog's contents. It changes when any item
// is added, removed or updated and is independent of load order.
func (c *Catalog) Fingerprint() string {
	if c == nil {
		return ""
	}
	return c.fingerprint
}

// Summary returns the count and fingerprint, in the shape bulk loaders
// publish alongside the dataset.
func Summary(c *Catalog) (int, string) {
	return c.Len(), c.Fingerprint()
}

// Get returns the item with the given ID.
func (c *Catalog) Get(id string) (Item, error) {
	if c != nil {
		if idx, ok := c.byID[id]; ok {
			return c.items[idx], nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// Category returns the items in a category, matched case-insensitively.
func (c *Catalog) Category(name string) []Item {
	if c == nil {
		return nil
	}
	idxs := c.byCategory[strings.ToLower(name)]
	out := make([]Item, len(idxs))
	for i, idx := range idxs {
		out[i] = c.items[idx]
	}
	return out
}

// Categories returns the distinct non-empty category names, sorted.
func (c *Catalog) Categories() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.byCategory))
	for _, idxs := range c.byCategory {
		if cat := c.items[idxs[0]].Category; cat != "" {
			out = append(out, cat)
		}
	}
	slices.Sort(out)
	return out
}

// Search returns up to limit items whose title, artist or album contains
// query, case-insensitively, in catalog order. limit <= 0 means no limit.
func (c *Catalog) Search(query string, limit int) []Item {
	if c == nil {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Item
	for _, it := range c.items {
		if q != "" &&
			!strings.Contains(strings.ToLower(it.Title), q) &&
			!strings.Contains(strings.ToLower(it.Artist), q) &&
			!strings.Contains(strings.ToLower(it.Album), q) {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
