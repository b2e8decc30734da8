// Package keys implements index key types, conversion, collation, composite
// keys and an order-preserving binary encoding used by the B-tree engines.
package keys

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// Type is the declared type of an index key part.
type Type int

const (
	TypeBoolean Type = iota + 1
	TypeInteger
	TypeFloat
	TypeString
	TypeBinary
	TypeDateTime
	TypeLink
)

var typeNames = map[Type]string{
	TypeBoolean:  "BOOLEAN",
	TypeInteger:  "INTEGER",
	TypeFloat:    "FLOAT",
	TypeString:   "STRING",
	TypeBinary:   "BINARY",
	TypeDateTime: "DATETIME",
	TypeLink:     "LINK",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Valid reports whether t is one of the declared key types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType resolves a type name. LONG, SHORT and BYTE alias INTEGER, DOUBLE
// aliases FLOAT and DATE aliases DATETIME.
func ParseType(name string) (Type, error) {
	switch strings.ToUpper(name) {
	case "BOOLEAN":
		return TypeBoolean, nil
	case "INTEGER", "LONG", "SHORT", "BYTE":
		return TypeInteger, nil
	case "FLOAT", "DOUBLE", "DECIMAL":
		return TypeFloat, nil
	case "STRING":
		return TypeString, nil
	case "BINARY":
		return TypeBinary, nil
	case "DATETIME", "DATE":
		return TypeDateTime, nil
	case "LINK":
		return TypeLink, nil
	}
	return 0, fmt.Errorf("%w: unknown key type %q", storeerr.ErrConfiguration, name)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func conversionError(v any, t Type) error {
	return fmt.Errorf("%w: cannot convert %v (%T) to %s", storeerr.ErrKeyConversion, v, v, t)
}

// Convert normalizes v to the canonical Go representation of t:
// bool, int64, float64, string, []byte, time.Time or rid.RID. nil stays nil.
func Convert(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, conversionError(v, t)
			}
			return b, nil
		}
	case TypeInteger:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
		if s, ok := v.(string); ok {
			i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, conversionError(v, t)
			}
			return i, nil
		}
	case TypeFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, conversionError(v, t)
			}
			return f, nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case bool:
			return strconv.FormatBool(x), nil
		case rid.RID:
			return x.String(), nil
		case fmt.Stringer:
			return x.String(), nil
		}
		if i, ok := toInt64(v); ok {
			return strconv.FormatInt(i, 10), nil
		}
		if f, ok := toFloat64(v); ok {
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		}
	case TypeBinary:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, conversionError(v, t)
			}
			return ts.UTC(), nil
		}
		if ms, ok := toInt64(v); ok {
			return time.UnixMilli(ms).UTC(), nil
		}
	case TypeLink:
		switch x := v.(type) {
		case rid.RID:
			return x, nil
		case *rid.RID:
			if x == nil {
				return nil, nil
			}
			return *x, nil
		case string:
			r, err := rid.Parse(x)
			if err != nil {
				return nil, conversionError(v, t)
			}
			return r, nil
		}
	}
	return nil, conversionError(v, t)
}

// ConvertComposite converts each part against its declared type.
func ConvertComposite(values []any, types []Type) (Composite, error) {
	if len(values) != len(types) {
		return nil, fmt.Errorf("%w: expected %d key parts, got %d", storeerr.ErrKeyConversion, len(types), len(values))
	}
	out := make(Composite, len(values))
	for i, v := range values {
		c, err := Convert(v, types[i])
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), x <= math.MaxInt64
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), x <= math.MaxInt64
	case float32:
		f := float64(x)
		return int64(f), f == math.Trunc(f) && !math.IsInf(f, 0)
	case float64:
		return int64(x), x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1<<63
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
