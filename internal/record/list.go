package record

import (
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
)

// EventKind is the kind of change made to a tracked list.
type EventKind uint8

const (
	EventAdd EventKind = iota + 1
	EventRemove
	EventUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "ADD"
	case EventRemove:
		return "REMOVE"
	case EventUpdate:
		return "UPDATE"
	}
	return "UNKNOWN"
}

// Event is one change of a tracked list. Old is set for removes and updates,
// New for adds and updates.
type Event struct {
	Kind  EventKind
	Index int
	Old   any
	New   any
}

// TrackedList is a collection-valued property that records every change made
// to it since the entity was loaded.
type TrackedList struct {
	items    []any
	events   []Event
	onChange func()
}

func newTrackedList(items []any, onChange func()) *TrackedList {
	return &TrackedList{items: items, onChange: onChange}
}

func (l *TrackedList) changed(e Event) {
	if l.onChange != nil {
		l.onChange()
	}
	l.events = append(l.events, e)
}

// Add appends v.
func (l *TrackedList) Add(v any) error {
	n, err := Normalize(v)
	if err != nil {
		return err
	}
	l.changed(Event{Kind: EventAdd, Index: len(l.items), New: n})
	l.items = append(l.items, n)
	return nil
}

// Remove drops the first item equal to v and reports whether one was found.
func (l *TrackedList) Remove(v any) bool {
	n, err := Normalize(v)
	if err != nil {
		return false
	}
	for i, item := range l.items {
		if keys.Equal(item, n) {
			l.changed(Event{Kind: EventRemove, Index: i, Old: item})
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// Set replaces the item at index i.
func (l *TrackedList) Set(i int, v any) error {
	n, err := Normalize(v)
	if err != nil {
		return err
	}
	l.changed(Event{Kind: EventUpdate, Index: i, Old: l.items[i], New: n})
	l.items[i] = n
	return nil
}

func (l *TrackedList) Len() int {
	return len(l.items)
}

func (l *TrackedList) At(i int) any {
	return l.items[i]
}

// Items returns a copy of the current items.
func (l *TrackedList) Items() []any {
	return deepCopy(l.items).([]any)
}

// Events returns the changes made since the list was loaded.
func (l *TrackedList) Events() []Event {
	return l.events
}
