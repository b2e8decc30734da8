package record

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// TypeDocument is the record type byte of entity payloads.
const TypeDocument byte = 'd'

// Value tags of the payload format
const (
	tagString = "s"
	tagInt    = "i"
	tagFloat  = "f"
	tagBool   = "b"
	tagTime   = "t"
	tagBytes  = "x"
	tagLink   = "l"
	tagList   = "a"
)

// wireValue is one property value in a payload. JSON alone loses the
// difference between integers, floats and dates, so every value is tagged.
type wireValue struct {
	T string      `json:"t"`
	V string      `json:"v,omitempty"`
	L []wireValue `json:"l,omitempty"`
}

type wireRecord struct {
	Class  string               `json:"@class"`
	Fields map[string]wireValue `json:"fields"`
}

// Normalize converts v to the representation stored in entities: int64,
// float64, string, bool, time.Time, []byte, rid.RID, []any or nil.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, []byte, rid.RID:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC(), nil
	case *rid.RID:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out, nil
	case []int64:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out, nil
	case []rid.RID:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported property type %T", v)
}

func encodeValue(v any) (wireValue, error) {
	switch x := v.(type) {
	case string:
		return wireValue{T: tagString, V: x}, nil
	case int64:
		return wireValue{T: tagInt, V: strconv.FormatInt(x, 10)}, nil
	case float64:
		return wireValue{T: tagFloat, V: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case bool:
		return wireValue{T: tagBool, V: strconv.FormatBool(x)}, nil
	case time.Time:
		return wireValue{T: tagTime, V: x.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return wireValue{T: tagBytes, V: base64.StdEncoding.EncodeToString(x)}, nil
	case rid.RID:
		return wireValue{T: tagLink, V: x.String()}, nil
	case []any:
		items := make([]wireValue, len(x))
		for i, item := range x {
			w, err := encodeValue(item)
			if err != nil {
				return wireValue{}, err
			}
			items[i] = w
		}
		return wireValue{T: tagList, L: items}, nil
	}
	return wireValue{}, fmt.Errorf("unsupported property type %T", v)
}

func decodeValue(w wireValue) (any, error) {
	switch w.T {
	case tagString:
		return w.V, nil
	case tagInt:
		return strconv.ParseInt(w.V, 10, 64)
	case tagFloat:
		return strconv.ParseFloat(w.V, 64)
	case tagBool:
		return strconv.ParseBool(w.V)
	case tagTime:
		return time.Parse(time.RFC3339Nano, w.V)
	case tagBytes:
		return base64.StdEncoding.DecodeString(w.V)
	case tagLink:
		return rid.Parse(w.V)
	case tagList:
		out := make([]any, len(w.L))
		for i, item := range w.L {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value tag %q", w.T)
}

// Marshal serializes a class name and its property values. Nil values are omitted.
func Marshal(class string, values map[string]any) ([]byte, error) {
	wr := wireRecord{Class: class, Fields: make(map[string]wireValue, len(values))}
	for name, v := range values {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		if n == nil {
			continue
		}
		w, err := encodeValue(n)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		wr.Fields[name] = w
	}
	b, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(payload []byte) (class string, values map[string]any, err error) {
	var wr wireRecord
	if err := json.Unmarshal(payload, &wr); err != nil {
		return "", nil, fmt.Errorf("%w: failed to deserialize record: %v", storeerr.ErrCorruptRecord, err)
	}
	values = make(map[string]any, len(wr.Fields))
	for name, w := range wr.Fields {
		v, err := decodeValue(w)
		if err != nil {
			return "", nil, fmt.Errorf("%w: property %s: %v", storeerr.ErrCorruptRecord, name, err)
		}
		values[name] = v
	}
	return wr.Class, values, nil
}

// deepCopy copies list values so snapshots do not alias live state.
func deepCopy(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	}
	return v
}
