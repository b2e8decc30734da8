package keys

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// Tag bytes prefix every encoded part. Their order is the cross-type order.
const (
	tagLess    byte = 0x00
	tagNull    byte = 0x01
	tagFalse   byte = 0x02
	tagTrue    byte = 0x03
	tagInt     byte = 0x10
	tagFloat   byte = 0x11
	tagString  byte = 0x20
	tagBytes   byte = 0x21
	tagTime    byte = 0x30
	tagLink    byte = 0x40
	tagGreater byte = 0xFF
)

// Encode serializes a key so that bytes.Compare on encodings matches Compare on
// keys of the same declared types. Composite keys encode as the concatenation of
// their parts; every part encoding is prefix-free.
func Encode(v any) ([]byte, error) {
	return Append(make([]byte, 0, 16), v)
}

// MustEncode is Encode for keys that were already converted.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Append appends the encoding of v to buf.
func Append(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case Composite:
		var err error
		for _, p := range x {
			if _, ok := p.(Composite); ok {
				return nil, fmt.Errorf("%w: nested composite key", storeerr.ErrKeyConversion)
			}
			if buf, err = Append(buf, p); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case sentinel:
		if x > 0 {
			return append(buf, tagGreater), nil
		}
		return append(buf, tagLess), nil
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case int64:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(x)^(1<<63)), nil
	case float64:
		bits := math.Float64bits(x)
		if bits&(1<<63) == 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		buf = append(buf, tagFloat)
		return binary.BigEndian.AppendUint64(buf, bits), nil
	case string:
		buf = append(buf, tagString)
		return appendEscaped(buf, []byte(x)), nil
	case []byte:
		buf = append(buf, tagBytes)
		return appendEscaped(buf, x), nil
	case time.Time:
		buf = append(buf, tagTime)
		return binary.BigEndian.AppendUint64(buf, uint64(x.UnixNano())^(1<<63)), nil
	case rid.RID:
		buf = append(buf, tagLink)
		var tmp [rid.Size]byte
		x.Put(tmp[:])
		return append(buf, tmp[:]...), nil
	}
	return nil, fmt.Errorf("%w: unsupported key part %T", storeerr.ErrKeyConversion, v)
}

// 0x00 is escaped as 0x00 0xFF; the terminator is 0x00 0x01.
func appendEscaped(buf, data []byte) []byte {
	for _, b := range data {
		if b == 0x00 {
			buf = append(buf, 0x00, 0xFF)
			continue
		}
		buf = append(buf, b)
	}
	return append(buf, 0x00, 0x01)
}

// Decode reverses Encode. A single part decodes to a scalar, several parts to a Composite.
func Decode(b []byte) (any, error) {
	parts, err := DecodeParts(b)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return Composite(parts), nil
}

// DecodeParts decodes every part of an encoded key.
func DecodeParts(b []byte) ([]any, error) {
	var parts []any
	for len(b) > 0 {
		v, n, err := decodePart(b)
		if err != nil {
			return nil, err
		}
		parts = append(parts, v)
		b = b[n:]
	}
	return parts, nil
}

func decodePart(b []byte) (any, int, error) {
	tag := b[0]
	switch tag {
	case tagLess:
		return AlwaysLess, 1, nil
	case tagGreater:
		return AlwaysGreater, 1, nil
	case tagNull:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagInt, tagFloat, tagTime:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("%w: truncated key", storeerr.ErrCorruptRecord)
		}
		u := binary.BigEndian.Uint64(b[1:9])
		switch tag {
		case tagInt:
			return int64(u ^ (1 << 63)), 9, nil
		case tagTime:
			return time.Unix(0, int64(u^(1<<63))).UTC(), 9, nil
		}
		if u&(1<<63) != 0 {
			u ^= 1 << 63
		} else {
			u = ^u
		}
		return math.Float64frombits(u), 9, nil
	case tagString, tagBytes:
		data, n, err := readEscaped(b[1:])
		if err != nil {
			return nil, 0, err
		}
		if tag == tagString {
			return string(data), n + 1, nil
		}
		return data, n + 1, nil
	case tagLink:
		if len(b) < 1+rid.Size {
			return nil, 0, fmt.Errorf("%w: truncated key", storeerr.ErrCorruptRecord)
		}
		r, err := rid.FromBytes(b[1 : 1+rid.Size])
		if err != nil {
			return nil, 0, err
		}
		return r, 1 + rid.Size, nil
	}
	return nil, 0, fmt.Errorf("%w: unknown key tag 0x%02x", storeerr.ErrCorruptRecord, tag)
}

func readEscaped(b []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case 0x01:
			return out, i + 2, nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return nil, 0, fmt.Errorf("%w: bad escape in key", storeerr.ErrCorruptRecord)
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated key part", storeerr.ErrCorruptRecord)
}
