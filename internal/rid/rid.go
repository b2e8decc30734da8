// Package rid defines record identifiers.
package rid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Size is the encoded size of a RID in bytes.
const Size = 12

// NewCollection is the collection id of a RID that has not been assigned yet.
const NewCollection int32 = -1

// RID identifies a record by collection id and position within that collection.
type RID struct {
	Collection int32
	Position   int64
}

// Empty is the zero RID.
var Empty = RID{Collection: NewCollection, Position: -1}

func New(collection int32, position int64) RID {
	return RID{Collection: collection, Position: position}
}

// Temporary returns the n-th temporary RID (n >= 1).
func Temporary(n int64) RID {
	return RID{Collection: NewCollection, Position: -n - 1}
}

// IsNew reports whether the RID is temporary, i.e. not persistent yet.
func (r RID) IsNew() bool {
	return r.Collection < 0 || r.Position < 0
}

// IsPersistent reports whether the RID denotes an allocated position.
func (r RID) IsPersistent() bool {
	return !r.IsNew()
}

func (r RID) String() string {
	return "#" + strconv.FormatInt(int64(r.Collection), 10) + ":" + strconv.FormatInt(r.Position, 10)
}

// Compare orders RIDs by collection then position.
func (r RID) Compare(o RID) int {
	switch {
	case r.Collection < o.Collection:
		return -1
	case r.Collection > o.Collection:
		return 1
	case r.Position < o.Position:
		return -1
	case r.Position > o.Position:
		return 1
	}
	return 0
}

// Parse parses the "#collection:position" form.
func Parse(s string) (RID, error) {
	body := strings.TrimPrefix(s, "#")
	c, p, ok := strings.Cut(body, ":")
	if !ok {
		return Empty, fmt.Errorf("invalid record id %q", s)
	}
	coll, err := strconv.ParseInt(c, 10, 32)
	if err != nil {
		return Empty, fmt.Errorf("invalid record id %q: %w", s, err)
	}
	pos, err := strconv.ParseInt(p, 10, 64)
	if err != nil {
		return Empty, fmt.Errorf("invalid record id %q: %w", s, err)
	}
	return RID{Collection: int32(coll), Position: pos}, nil
}

// Bytes encodes the RID big-endian with sign bits flipped so that byte order
// matches Compare.
func (r RID) Bytes() []byte {
	buf := make([]byte, Size)
	r.Put(buf)
	return buf
}

// Put writes the encoded RID into buf, which must hold Size bytes.
func (r RID) Put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Collection)^(1<<31))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.Position)^(1<<63))
}

// FromBytes decodes a RID written by Put.
func FromBytes(buf []byte) (RID, error) {
	if len(buf) < Size {
		return Empty, fmt.Errorf("invalid record id encoding: %d bytes", len(buf))
	}
	return RID{
		Collection: int32(binary.BigEndian.Uint32(buf[0:4]) ^ (1 << 31)),
		Position:   int64(binary.BigEndian.Uint64(buf[4:12]) ^ (1 << 63)),
	}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r RID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
