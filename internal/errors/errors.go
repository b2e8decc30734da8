package errors

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	// ErrConfiguration is returned for invalid storage or index setup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrUnknownAlgorithm is returned when an index names an unsupported algorithm.
	ErrUnknownAlgorithm = errors.New("unknown index algorithm")
)

// Index errors
var (
	ErrIndexExists        = errors.New("index already exists")
	ErrIndexNotFound      = errors.New("index not found")
	ErrKeyConversion      = errors.New("key cannot be converted to the index key type")
	ErrCollectionNotEmpty = errors.New("collection is not empty")
	ErrKeyTooLarge        = errors.New("encoded index key exceeds maximum size")

	// ErrDuplicateKey is returned when a unique index key already maps to another record.
	ErrDuplicateKey = errors.New("duplicate key in unique index")
)

// Record and collection errors
var (
	// ErrConcurrentModification is returned on an optimistic version mismatch.
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrRecordNotFound     = errors.New("record not found")
	ErrPositionInUse      = errors.New("record position already in use")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrRecordTooLarge     = errors.New("record exceeds maximum size")
)

// Storage errors
var (
	ErrPageNotFound    = errors.New("page not found")
	ErrPageFull        = errors.New("page is full")
	ErrInvalidPageID   = errors.New("invalid page ID")
	ErrDiskReadFailed  = errors.New("disk read failed")
	ErrDiskWriteFailed = errors.New("disk write failed")
	ErrFileNotFound    = errors.New("file not registered")
	ErrReadOnly        = errors.New("page access is read-only outside an atomic operation")
	ErrCorruptPage     = errors.New("corrupt page")

	ErrWALCorrupt      = errors.New("WAL is corrupt")
	ErrCorruptRecord   = errors.New("corrupt record: invalid length or format")
	ErrCRCMismatch     = errors.New("CRC mismatch")
	ErrWALClosed       = errors.New("WAL is closed")
	ErrOperationClosed = errors.New("atomic operation already completed")

	ErrStorageClosed   = errors.New("storage is closed")
	ErrStorageExists   = errors.New("storage already exists")
	ErrStorageNotFound = errors.New("storage does not exist")
)

// ErrInvalidEngineHandle signals that a cached index engine handle no longer
// matches the live engine. It is always caught by RetryStale.
var ErrInvalidEngineHandle = errors.New("invalid index engine handle")

// ErrStorageBroken is returned by every call once the storage entered the
// terminal error state.
var ErrStorageBroken = errors.New("storage is in error state, restart is required")

// StorageError tags an error with the storage name and the failing operation.
type StorageError struct {
	Storage string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("storage %q: %v", e.Storage, e.Err)
	}
	return fmt.Sprintf("storage %q: %s: %v", e.Storage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap tags err with the storage name. Already tagged errors are returned as is.
func Wrap(storage, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Storage: storage, Op: op, Err: err}
}

// DuplicateKeyError describes the conflicting entry of a unique index.
type DuplicateKeyError struct {
	Index    string
	Key      any
	Existing string
	Rejected string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%v: index %q key %v is already mapped to %s, cannot map to %s",
		ErrDuplicateKey, e.Index, e.Key, e.Existing, e.Rejected)
}

func (e *DuplicateKeyError) Unwrap() error {
	return ErrDuplicateKey
}

// VersionError describes an optimistic concurrency failure.
type VersionError struct {
	RID      string
	Expected int32
	Actual   int32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%v: record %s has version %d, expected %d",
		ErrConcurrentModification, e.RID, e.Actual, e.Expected)
}

func (e *VersionError) Unwrap() error {
	return ErrConcurrentModification
}

// Is, As and New re-export the standard helpers so callers need a single import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
