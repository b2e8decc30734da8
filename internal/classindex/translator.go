// Package classindex turns record changes into index changes: for every
// automatic index of the record's class it derives the keys a create, update
// or delete adds and removes, and enqueues them on the transaction. Nothing
// reaches an index engine before the transaction commits.
package classindex

import (
	"fmt"
	"log/slog"

	"github.com/JetBrains/youtrackdb-sub019/internal/index"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/record"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

// Indexes resolves the indexes declared on a class. *index.Manager
// implements it.
type Indexes interface {
	ClassIndexes(class string) []*index.Index
}

type Translator struct {
	indexes Indexes
	logger  *slog.Logger
}

func New(indexes Indexes, log *slog.Logger) *Translator {
	if log == nil {
		log = logger.Component("classindex")
	}
	return &Translator{indexes: indexes, logger: log}
}

func (tr *Translator) automatic(class string) []*index.Index {
	var out []*index.Index
	for _, idx := range tr.indexes.ClassIndexes(class) {
		if idx.Automatic() {
			out = append(out, idx)
		}
	}
	return out
}

// Created enqueues the keys of a new record. r is the RID the transaction
// assigned to it, usually a temporary one.
func (tr *Translator) Created(t *tx.Tx, e *record.Entity, r rid.RID) error {
	for _, idx := range tr.automatic(e.Class) {
		def := idx.Definition()
		ks, err := def.Keys(current(e, def))
		if err != nil {
			return fmt.Errorf("index %s: %w", idx.Name(), err)
		}
		if err := putAll(t, idx, ks, r); err != nil {
			return err
		}
	}
	return nil
}

// Updated enqueues the key changes of a modified record. Indexes whose
// properties were not changed are left alone.
func (tr *Translator) Updated(t *tx.Tx, e *record.Entity) error {
	for _, idx := range tr.automatic(e.Class) {
		def := idx.Definition()
		if !touches(e, def) {
			continue
		}
		var err error
		if f := def.Fields[0]; !def.Composite() && f.Multi && e.ListEvents(f.Name) != nil {
			err = tr.replayEvents(t, idx, e)
		} else {
			err = tr.diff(t, idx, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Deleted enqueues the removal of the keys a record had before the
// transaction changed it.
func (tr *Translator) Deleted(t *tx.Tx, e *record.Entity) error {
	for _, idx := range tr.automatic(e.Class) {
		def := idx.Definition()
		ks, err := def.Keys(original(e, def))
		if err != nil {
			return fmt.Errorf("index %s: %w", idx.Name(), err)
		}
		for _, k := range ks {
			if err := idx.Remove(t, k, e.RID); err != nil {
				return err
			}
		}
	}
	return nil
}

// diff removes the keys only the original values produce and puts the keys
// only the current values produce. For a composite key the original tuple
// takes the original value of changed members and the current value of the
// others.
func (tr *Translator) diff(t *tx.Tx, idx *index.Index, e *record.Entity) error {
	def := idx.Definition()
	before, err := def.Keys(original(e, def))
	if err != nil {
		return fmt.Errorf("index %s: %w", idx.Name(), err)
	}
	after, err := def.Keys(current(e, def))
	if err != nil {
		return fmt.Errorf("index %s: %w", idx.Name(), err)
	}
	removed, added, err := difference(before, after)
	if err != nil {
		return err
	}
	for _, k := range removed {
		if err := idx.Remove(t, k, e.RID); err != nil {
			return err
		}
	}
	return putAll(t, idx, added, e.RID)
}

// replayEvents translates the change timeline of an indexed list into key
// removes and puts without comparing snapshots. An add cancels a pending
// remove of the same key and a remove cancels a pending add; an update is a
// remove of the old item followed by an add of the new one. A key still
// produced by another item of the list is not removed.
func (tr *Translator) replayEvents(t *tx.Tx, idx *index.Index, e *record.Entity) error {
	def := idx.Definition()
	name := def.Fields[0].Name

	toAdd := newKeyCounter()
	toRemove := newKeyCounter()
	add := func(item any) error {
		return eachKey(def, item, func(k any, enc string) {
			if !toRemove.dec(enc) {
				toAdd.inc(k, enc)
			}
		})
	}
	remove := func(item any) error {
		return eachKey(def, item, func(k any, enc string) {
			if !toAdd.dec(enc) {
				toRemove.inc(k, enc)
			}
		})
	}

	events := e.ListEvents(name)
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case record.EventAdd:
			err = add(ev.New)
		case record.EventRemove:
			err = remove(ev.Old)
		case record.EventUpdate:
			if err = remove(ev.Old); err == nil {
				err = add(ev.New)
			}
		}
		if err != nil {
			return fmt.Errorf("index %s: %w", idx.Name(), err)
		}
	}

	final, err := def.Keys([]any{e.Get(name)})
	if err != nil {
		return fmt.Errorf("index %s: %w", idx.Name(), err)
	}
	remaining, err := encodings(final)
	if err != nil {
		return err
	}
	for _, c := range toRemove.order {
		if toRemove.n[c.enc] <= 0 || remaining[c.enc] {
			continue
		}
		if err := idx.Remove(t, c.key, e.RID); err != nil {
			return err
		}
	}
	for _, c := range toAdd.order {
		if toAdd.n[c.enc] <= 0 {
			continue
		}
		if err := idx.Put(t, c.key, e.RID); err != nil {
			return err
		}
	}
	tr.logger.Debug("list events translated", "index", idx.Name(), "rid", e.RID, "events", len(events))
	return nil
}

// keyCounter counts pending key changes by encoded key, remembering first
// appearance order so the enqueued operations are deterministic.
type keyCounter struct {
	n     map[string]int
	order []countedKey
}

type countedKey struct {
	key any
	enc string
}

func newKeyCounter() *keyCounter {
	return &keyCounter{n: make(map[string]int)}
}

func (c *keyCounter) inc(k any, enc string) {
	if _, ok := c.n[enc]; !ok {
		c.order = append(c.order, countedKey{key: k, enc: enc})
	}
	c.n[enc]++
}

// dec consumes one pending occurrence and reports whether there was one.
func (c *keyCounter) dec(enc string) bool {
	if c.n[enc] <= 0 {
		return false
	}
	c.n[enc]--
	return true
}

// eachKey derives the keys of one list item.
func eachKey(def *index.Definition, item any, fn func(k any, enc string)) error {
	ks, err := def.Keys([]any{item})
	if err != nil {
		return err
	}
	for _, k := range ks {
		enc, err := keys.Encode(k)
		if err != nil {
			return err
		}
		fn(k, string(enc))
	}
	return nil
}

func touches(e *record.Entity, def *index.Definition) bool {
	for _, name := range e.Dirty() {
		if def.Covers(name) {
			return true
		}
	}
	return false
}

func current(e *record.Entity, def *index.Definition) []any {
	values := make([]any, len(def.Fields))
	for i, f := range def.Fields {
		values[i] = e.Get(f.Name)
	}
	return values
}

func original(e *record.Entity, def *index.Definition) []any {
	values := make([]any, len(def.Fields))
	for i, f := range def.Fields {
		if e.IsDirty(f.Name) {
			values[i] = e.Original(f.Name)
		} else {
			values[i] = e.Get(f.Name)
		}
	}
	return values
}

func putAll(t *tx.Tx, idx *index.Index, ks []any, r rid.RID) error {
	for _, k := range ks {
		if err := idx.Put(t, k, r); err != nil {
			return err
		}
	}
	return nil
}

func encodings(ks []any) (map[string]bool, error) {
	out := make(map[string]bool, len(ks))
	for _, k := range ks {
		enc, err := keys.Encode(k)
		if err != nil {
			return nil, err
		}
		out[string(enc)] = true
	}
	return out, nil
}

// difference splits two key sets into the keys only before has and the keys
// only after has.
func difference(before, after []any) (removed, added []any, err error) {
	b, err := encodings(before)
	if err != nil {
		return nil, nil, err
	}
	a, err := encodings(after)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range before {
		enc, _ := keys.Encode(k)
		if !a[string(enc)] {
			removed = append(removed, k)
		}
	}
	for _, k := range after {
		enc, _ := keys.Encode(k)
		if !b[string(enc)] {
			added = append(added, k)
		}
	}
	return removed, added, nil
}
