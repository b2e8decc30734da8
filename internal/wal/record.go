package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// RecordType represents the type of WAL record
type RecordType byte

const (
	RecordTypeInvalid         RecordType = iota
	RecordTypeUnitStart                  // Atomic operation start
	RecordTypeUnitEnd                    // Atomic operation end (Flags carries rollback)
	RecordTypePageUpdate                 // Byte-range page delta
	RecordTypeFileCreated                // File registered inside a unit (After = name)
	RecordTypeFileDeleted                // File removed inside a unit
	RecordTypeMetadata                   // Transaction metadata blob (After)
	RecordTypeNonTxOperation             // Marker for changes made outside a unit
	RecordTypeFuzzyCheckpoint            // Fuzzy checkpoint marker (After = cut LSN)
	RecordTypeFullCheckpoint             // Full checkpoint marker
)

var recordTypeNames = [...]string{
	"invalid", "unit_start", "unit_end", "page_update", "file_created", "file_deleted",
	"metadata", "non_tx_operation", "fuzzy_checkpoint", "full_checkpoint",
}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("type_%d", byte(t))
}

// FlagRollback marks a unit-end record of a rolled back unit.
const FlagRollback byte = 1

// LSN (Log Sequence Number) uniquely identifies a WAL record
type LSN uint64

// Record represents a single WAL record
type Record struct {
	LSN       LSN        // Log Sequence Number
	UnitID    uint64     // Atomic operation unit ID (0 outside units)
	Type      RecordType // Record type
	Flags     byte
	FileID    uint32 // Target file for page and file records
	PageID    uint64 // Target page for page updates
	Offset    uint32 // Byte offset of the delta within the page
	Timestamp int64  // Timestamp (Unix nanoseconds)
	Before    []byte // Pre-image of the changed range
	After     []byte // Post-image of the changed range, or payload
}

// RecordHeader layout:
// - CRC32 (4 bytes) - checksum of record
// - LSN (8 bytes)
// - UnitID (8 bytes)
// - Type (1 byte)
// - Flags (1 byte)
// - FileID (4 bytes)
// - PageID (8 bytes)
// - Offset (4 bytes)
// - Timestamp (8 bytes)
// - BeforeLen (4 bytes)
// - AfterLen (4 bytes)
// Total: 54 bytes
const RecordHeaderSize = 54

// IsRollback reports whether a unit-end record closes a rolled back unit.
func (r *Record) IsRollback() bool {
	return r.Type == RecordTypeUnitEnd && r.Flags&FlagRollback != 0
}

// Encode serializes a WAL record to bytes
func (r *Record) Encode() []byte {
	buf := make([]byte, r.Size())
	le := binary.LittleEndian
	offset := 4 // CRC32 is written last

	le.PutUint64(buf[offset:], uint64(r.LSN))
	offset += 8
	le.PutUint64(buf[offset:], r.UnitID)
	offset += 8
	buf[offset] = byte(r.Type)
	buf[offset+1] = r.Flags
	offset += 2
	le.PutUint32(buf[offset:], r.FileID)
	offset += 4
	le.PutUint64(buf[offset:], r.PageID)
	offset += 8
	le.PutUint32(buf[offset:], r.Offset)
	offset += 4
	le.PutUint64(buf[offset:], uint64(r.Timestamp))
	offset += 8
	le.PutUint32(buf[offset:], uint32(len(r.Before)))
	offset += 4
	le.PutUint32(buf[offset:], uint32(len(r.After)))
	offset += 4

	offset += copy(buf[offset:], r.Before)
	copy(buf[offset:], r.After)

	// Calculate and write CRC32 (excluding the CRC field itself)
	le.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// Decode deserializes a WAL record from bytes
func Decode(data []byte) (*Record, error) {
	if len(data) < RecordHeaderSize {
		return nil, fmt.Errorf("%w: too short (got %d bytes, need at least %d)", storeerr.ErrCorruptRecord, len(data), RecordHeaderSize)
	}

	le := binary.LittleEndian
	expectedCRC := le.Uint32(data[0:4])
	if actualCRC := crc32.ChecksumIEEE(data[4:]); expectedCRC != actualCRC {
		return nil, fmt.Errorf("%w: expected %d, got %d", storeerr.ErrCRCMismatch, expectedCRC, actualCRC)
	}

	r := &Record{}
	offset := 4
	r.LSN = LSN(le.Uint64(data[offset:]))
	offset += 8
	r.UnitID = le.Uint64(data[offset:])
	offset += 8
	r.Type = RecordType(data[offset])
	r.Flags = data[offset+1]
	offset += 2
	r.FileID = le.Uint32(data[offset:])
	offset += 4
	r.PageID = le.Uint64(data[offset:])
	offset += 8
	r.Offset = le.Uint32(data[offset:])
	offset += 4
	r.Timestamp = int64(le.Uint64(data[offset:]))
	offset += 8
	beforeLen := int(le.Uint32(data[offset:]))
	offset += 4
	afterLen := int(le.Uint32(data[offset:]))
	offset += 4

	if offset+beforeLen+afterLen != len(data) {
		return nil, fmt.Errorf("%w: length mismatch", storeerr.ErrCorruptRecord)
	}

	if beforeLen > 0 {
		r.Before = append([]byte(nil), data[offset:offset+beforeLen]...)
	}
	offset += beforeLen
	if afterLen > 0 {
		r.After = append([]byte(nil), data[offset:offset+afterLen]...)
	}
	return r, nil
}

// Size returns the size of the encoded record in bytes
func (r *Record) Size() int {
	return RecordHeaderSize + len(r.Before) + len(r.After)
}

// String returns a human-readable representation of the record
func (r *Record) String() string {
	return fmt.Sprintf("Record{LSN:%d, Unit:%d, Type:%s, File:%d, Page:%d, Offset:%d, Len:%d}",
		r.LSN, r.UnitID, r.Type, r.FileID, r.PageID, r.Offset, len(r.After))
}
