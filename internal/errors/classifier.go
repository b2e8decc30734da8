package errors

import (
	"errors"
	"io/fs"
	"syscall"
)

// ErrorCategory represents the category of an error for rollback and retry logic.
type ErrorCategory int

const (
	ErrorConfiguration ErrorCategory = iota // Bad setup, raised before any mutation
	ErrorIndex                              // Index validation or constraint violation
	ErrorConcurrency                        // Optimistic version mismatch
	ErrorNotFound                           // Stale RID or missing collection
	ErrorStorage                            // I/O or invariant violation
	ErrorStaleHandle                        // Internal, retried transparently
	ErrorFatal                              // Engine must stop until restart
)

// String returns the metric label of the category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorConfiguration:
		return "configuration"
	case ErrorIndex:
		return "index"
	case ErrorConcurrency:
		return "concurrency"
	case ErrorNotFound:
		return "not_found"
	case ErrorStorage:
		return "storage"
	case ErrorStaleHandle:
		return "stale_handle"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier categorizes errors.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorStorage
	}

	switch {
	case errors.Is(err, ErrStorageBroken):
		return ErrorFatal
	case errors.Is(err, ErrInvalidEngineHandle):
		return ErrorStaleHandle
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrUnknownAlgorithm):
		return ErrorConfiguration
	case errors.Is(err, ErrIndexExists), errors.Is(err, ErrIndexNotFound),
		errors.Is(err, ErrKeyConversion), errors.Is(err, ErrKeyTooLarge), errors.Is(err, ErrCollectionNotEmpty),
		errors.Is(err, ErrDuplicateKey):
		return ErrorIndex
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrPositionInUse):
		return ErrorConcurrency
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrCollectionNotFound),
		errors.Is(err, ErrCollectionExists), errors.Is(err, ErrRecordTooLarge):
		return ErrorNotFound
	case errors.Is(err, ErrStorageClosed), errors.Is(err, ErrStorageExists), errors.Is(err, ErrStorageNotFound):
		return ErrorConfiguration
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EIO, syscall.ENOSPC:
			return ErrorFatal
		}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ErrorFatal
	}

	switch {
	case errors.Is(err, ErrDiskWriteFailed), errors.Is(err, ErrWALCorrupt),
		errors.Is(err, ErrCorruptPage), errors.Is(err, ErrWALClosed):
		return ErrorFatal
	}

	return ErrorStorage
}

// IsFatal reports whether the error must move the engine into the terminal error state.
// Unclassified errors raised inside a commit are treated as fatal by the engine.
func (c *Classifier) IsFatal(err error) bool {
	return c.Classify(err) == ErrorFatal
}

// IsDomain reports whether the error is an expected outcome of a well-formed request
// (validation, constraint or concurrency failure) that leaves the engine usable.
func (c *Classifier) IsDomain(err error) bool {
	switch c.Classify(err) {
	case ErrorConfiguration, ErrorIndex, ErrorConcurrency, ErrorNotFound:
		return true
	}
	return false
}
