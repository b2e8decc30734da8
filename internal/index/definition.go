package index

import (
	"bytes"
	"fmt"

	"github.com/JetBrains/youtrackdb-sub019/internal/btree"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
)

// Field is one indexed property.
type Field struct {
	Name string
	Type keys.Type
	// Multi marks a collection-valued property whose items are indexed one by one.
	Multi bool
}

// Definition describes how keys are derived from a record of a class.
type Definition struct {
	Class       string
	Fields      []Field
	Collation   keys.Collation
	IgnoreNulls bool
	// Manual indexes are maintained only through explicit puts and removes.
	Manual bool
}

// Property is a shorthand for a single-property definition.
func Property(class, name string, t keys.Type) *Definition {
	return &Definition{Class: class, Fields: []Field{{Name: name, Type: t}}}
}

// Validate checks the definition before an index is created from it.
func (d *Definition) Validate() error {
	if d.Class == "" {
		return fmt.Errorf("%w: index definition has no class", storeerr.ErrConfiguration)
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("%w: index definition has no properties", storeerr.ErrConfiguration)
	}
	seen := make(map[string]bool, len(d.Fields))
	multi := 0
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: index property without name", storeerr.ErrConfiguration)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: property %q is indexed twice", storeerr.ErrConfiguration, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return fmt.Errorf("%w: property %q has no key type", storeerr.ErrConfiguration, f.Name)
		}
		if f.Multi {
			multi++
		}
	}
	if multi > 1 {
		return fmt.Errorf("%w: at most one collection-valued property per index", storeerr.ErrConfiguration)
	}
	if _, err := keys.ParseCollation(string(d.Collation)); err != nil {
		return err
	}
	return nil
}

// Composite reports whether keys have more than one part.
func (d *Definition) Composite() bool {
	return len(d.Fields) > 1
}

// Properties returns the indexed property names in key order.
func (d *Definition) Properties() []string {
	out := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = f.Name
	}
	return out
}

// Covers reports whether name is one of the indexed properties.
func (d *Definition) Covers(name string) bool {
	return d.fieldIndex(name) >= 0
}

func (d *Definition) fieldIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// multiIndex returns the position of the collection-valued field, or -1.
func (d *Definition) multiIndex() int {
	for i, f := range d.Fields {
		if f.Multi {
			return i
		}
	}
	return -1
}

// RecordKeys derives the keys of a record from its property map.
func (d *Definition) RecordKeys(props map[string]any) ([]any, error) {
	values := make([]any, len(d.Fields))
	for i, f := range d.Fields {
		values[i] = props[f.Name]
	}
	return d.Keys(values)
}

// Keys derives the keys of a record from its property values, one value per
// field in key order. A collection-valued field yields one key per item.
// Null keys are dropped when the definition ignores nulls; duplicates are
// returned once.
func (d *Definition) Keys(values []any) ([]any, error) {
	if len(values) != len(d.Fields) {
		return nil, fmt.Errorf("%w: expected %d values, got %d", storeerr.ErrKeyConversion, len(d.Fields), len(values))
	}
	if !d.Composite() {
		return d.singleKeys(values[0])
	}

	base := make(keys.Composite, len(d.Fields))
	var items []any
	expand := -1
	for i, f := range d.Fields {
		v := values[i]
		if f.Multi {
			if list, ok := v.([]any); ok {
				switch {
				case len(list) == 0 && d.IgnoreNulls:
					return nil, nil
				case len(list) == 0:
					v = nil
				case len(list) == 1:
					v = list[0]
				default:
					expand, items = i, list
					continue
				}
			}
		}
		if v == nil && d.IgnoreNulls {
			return nil, nil
		}
		c, err := keys.Convert(v, f.Type)
		if err != nil {
			return nil, err
		}
		base[i] = c
	}

	if expand < 0 {
		return []any{d.Collation.Apply(base)}, nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if item == nil && d.IgnoreNulls {
			continue
		}
		c, err := keys.Convert(item, d.Fields[expand].Type)
		if err != nil {
			return nil, err
		}
		k := make(keys.Composite, len(base))
		copy(k, base)
		k[expand] = c
		out = append(out, d.Collation.Apply(k))
	}
	return dedupe(out)
}

func (d *Definition) singleKeys(v any) ([]any, error) {
	f := d.Fields[0]
	list, isList := v.([]any)
	if !f.Multi || !isList {
		if v == nil && d.IgnoreNulls {
			return nil, nil
		}
		k, err := d.itemKey(v)
		if err != nil {
			return nil, err
		}
		return []any{k}, nil
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if item == nil && d.IgnoreNulls {
			continue
		}
		k, err := d.itemKey(item)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return dedupe(out)
}

// itemKey converts one value of a single-field index.
func (d *Definition) itemKey(v any) (any, error) {
	c, err := keys.Convert(v, d.Fields[0].Type)
	if err != nil {
		return nil, err
	}
	return d.Collation.Apply(c), nil
}

// Key converts a caller-supplied key. A composite index accepts a
// keys.Composite or []any holding a prefix of its fields; parts reports how
// many fields were given.
func (d *Definition) Key(key any) (k any, parts int, err error) {
	if !d.Composite() {
		if d.Fields[0].Multi {
			if _, ok := key.([]any); ok {
				return nil, 0, fmt.Errorf("%w: lookup key of %s must be a single item", storeerr.ErrKeyConversion, d.Fields[0].Name)
			}
		}
		k, err := d.itemKey(key)
		return k, 1, err
	}

	var given []any
	switch x := key.(type) {
	case keys.Composite:
		given = x
	case []any:
		given = x
	default:
		given = []any{key}
	}
	if len(given) == 0 || len(given) > len(d.Fields) {
		return nil, 0, fmt.Errorf("%w: composite key needs 1 to %d parts, got %d", storeerr.ErrKeyConversion, len(d.Fields), len(given))
	}
	out := make(keys.Composite, len(given))
	for i, v := range given {
		c, err := keys.Convert(v, d.Fields[i].Type)
		if err != nil {
			return nil, 0, err
		}
		out[i] = c
	}
	return d.Collation.Apply(out), len(given), nil
}

// FullKey converts a key that must name every field, as puts and removes do.
func (d *Definition) FullKey(key any) (any, error) {
	k, parts, err := d.Key(key)
	if err != nil {
		return nil, err
	}
	if parts != len(d.Fields) {
		return nil, fmt.Errorf("%w: composite key needs %d parts, got %d", storeerr.ErrKeyConversion, len(d.Fields), parts)
	}
	return k, nil
}

// bound builds one end of a range. Partial composite keys are padded so the
// range covers every key sharing the prefix: an inclusive lower or exclusive
// upper end pads below every value, the other two above.
func (d *Definition) bound(key any, inclusive, lower bool) (*btree.Bound, error) {
	k, parts, err := d.Key(key)
	if err != nil {
		return nil, err
	}
	if c, ok := k.(keys.Composite); ok && parts < len(d.Fields) {
		pad := keys.AlwaysGreater
		if lower == inclusive {
			pad = keys.AlwaysLess
		}
		k = c.Pad(len(d.Fields), pad)
	}
	enc, err := encodeKey(k)
	if err != nil {
		return nil, err
	}
	return &btree.Bound{Key: enc, Inclusive: inclusive}, nil
}

// decodeKey turns an engine key back into the key type of the definition.
func (d *Definition) decodeKey(enc []byte) (any, error) {
	if !d.Composite() {
		return keys.Decode(enc)
	}
	parts, err := keys.DecodeParts(enc)
	if err != nil {
		return nil, err
	}
	return keys.Composite(parts), nil
}

func encodeKey(k any) ([]byte, error) {
	enc, err := keys.Encode(k)
	if err != nil {
		return nil, err
	}
	if len(enc) > btree.MaxKeySize {
		return nil, fmt.Errorf("%w: %d bytes", storeerr.ErrKeyTooLarge, len(enc))
	}
	return enc, nil
}

func dedupe(in []any) ([]any, error) {
	if len(in) < 2 {
		return in, nil
	}
	out := in[:0]
	var seen [][]byte
	for _, k := range in {
		enc, err := keys.Encode(k)
		if err != nil {
			return nil, err
		}
		dup := false
		for _, s := range seen {
			if bytes.Equal(s, enc) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, enc)
			out = append(out, k)
		}
	}
	return out, nil
}
