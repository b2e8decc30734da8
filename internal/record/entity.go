// Package record implements tracked entities: property maps that remember
// which properties changed since they were loaded, their original values and
// the event timeline of collection-valued properties. The index change
// translator reads this state to derive index deltas.
package record

import (
	"fmt"
	"slices"
	"sort"

	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// Entity is a record of a class.
type Entity struct {
	RID     rid.RID
	Class   string
	Version int32

	values   map[string]any
	original map[string]any
	dirty    []string
	lists    map[string]*TrackedList
}

// New creates an entity that has not been saved yet.
func New(class string) *Entity {
	return &Entity{
		RID:      rid.Empty,
		Class:    class,
		values:   make(map[string]any),
		original: make(map[string]any),
		lists:    make(map[string]*TrackedList),
	}
}

// Load decodes a stored entity.
func Load(r rid.RID, version int32, payload []byte) (*Entity, error) {
	class, values, err := Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r, err)
	}
	e := New(class)
	e.RID, e.Version, e.values = r, version, values
	return e, nil
}

// IsNew reports whether the entity was never committed.
func (e *Entity) IsNew() bool {
	return !e.RID.IsPersistent()
}

func (e *Entity) markDirty(name string) {
	if slices.Contains(e.dirty, name) {
		return
	}
	e.dirty = append(e.dirty, name)
	e.original[name] = deepCopy(e.currentValue(name))
}

func (e *Entity) currentValue(name string) any {
	if l, ok := e.lists[name]; ok {
		return l.items
	}
	return e.values[name]
}

// Get returns the current value of a property, or nil.
func (e *Entity) Get(name string) any {
	if l, ok := e.lists[name]; ok {
		return l.Items()
	}
	return e.values[name]
}

// Set assigns a property. Assigning a list replaces any tracked list of the
// property, so its events are dropped.
func (e *Entity) Set(name string, v any) error {
	n, err := Normalize(v)
	if err != nil {
		return fmt.Errorf("property %s.%s: %w", e.Class, name, err)
	}
	e.markDirty(name)
	delete(e.lists, name)
	if n == nil {
		delete(e.values, name)
		return nil
	}
	e.values[name] = n
	return nil
}

// Unset removes a property.
func (e *Entity) Unset(name string) {
	_ = e.Set(name, nil)
}

// List returns the tracked list of a collection-valued property, creating an
// empty one when the property is unset. It fails if the property holds a scalar.
func (e *Entity) List(name string) (*TrackedList, error) {
	if l, ok := e.lists[name]; ok {
		return l, nil
	}
	var items []any
	switch x := e.values[name].(type) {
	case nil:
	case []any:
		items = x
	default:
		return nil, fmt.Errorf("property %s.%s is not a collection", e.Class, name)
	}
	l := newTrackedList(items, func() { e.markDirty(name) })
	e.lists[name] = l
	delete(e.values, name)
	return l, nil
}

// ListEvents returns the event timeline of a list changed in place, or nil if
// the property was never modified through its tracked list.
func (e *Entity) ListEvents(name string) []Event {
	if l, ok := e.lists[name]; ok {
		return l.events
	}
	return nil
}

// Original returns the value a property had when the entity was loaded.
func (e *Entity) Original(name string) any {
	if v, ok := e.original[name]; ok {
		return v
	}
	return e.Get(name)
}

func (e *Entity) IsDirty(name string) bool {
	return slices.Contains(e.dirty, name)
}

// Dirty returns the changed properties in the order they were first changed.
func (e *Entity) Dirty() []string {
	return e.dirty
}

// Names returns every set property, sorted.
func (e *Entity) Names() []string {
	out := make([]string, 0, len(e.values)+len(e.lists))
	for name := range e.values {
		out = append(out, name)
	}
	for name := range e.lists {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Values returns a snapshot of the current property values.
func (e *Entity) Values() map[string]any {
	out := make(map[string]any, len(e.values)+len(e.lists))
	for name, v := range e.values {
		out[name] = deepCopy(v)
	}
	for name, l := range e.lists {
		out[name] = l.Items()
	}
	return out
}

// Marshal serializes the current state.
func (e *Entity) Marshal() ([]byte, error) {
	return Marshal(e.Class, e.Values())
}

// Committed records the identity given at commit and forgets the change state.
func (e *Entity) Committed(r rid.RID, version int32) {
	e.RID, e.Version = r, version
	for name, l := range e.lists {
		if l.items != nil {
			e.values[name] = l.items
		}
	}
	clear(e.lists)
	clear(e.original)
	e.dirty = nil
}

// MarshalResolved serializes the current state with every link passed through
// resolve, so references to records created in the same transaction carry
// their final RIDs.
func (e *Entity) MarshalResolved(resolve func(rid.RID) rid.RID) ([]byte, error) {
	values := e.Values()
	for name, v := range values {
		values[name] = resolveLinks(v, resolve)
	}
	return Marshal(e.Class, values)
}

func resolveLinks(v any, resolve func(rid.RID) rid.RID) any {
	switch x := v.(type) {
	case rid.RID:
		return resolve(x)
	case []any:
		for i, item := range x {
			x[i] = resolveLinks(item, resolve)
		}
	}
	return v
}
