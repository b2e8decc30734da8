package errors

import (
	"sync"
	"time"
)

// ErrorTracker tracks error occurrences per category.
type ErrorTracker struct {
	mu             sync.RWMutex
	errorCounts    map[ErrorCategory]uint64
	lastOccurrence map[ErrorCategory]time.Time
	fatal          []FatalAlert
}

// FatalAlert records an error that moved a storage into the error state.
type FatalAlert struct {
	Error      error
	OccurredAt time.Time
}

// NewErrorTracker creates a new error tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		errorCounts:    make(map[ErrorCategory]uint64),
		lastOccurrence: make(map[ErrorCategory]time.Time),
	}
}

// RecordError records an error occurrence.
func (et *ErrorTracker) RecordError(err error, category ErrorCategory) {
	et.mu.Lock()
	defer et.mu.Unlock()

	et.errorCounts[category]++
	et.lastOccurrence[category] = time.Now()

	if category == ErrorFatal {
		et.fatal = append(et.fatal, FatalAlert{Error: err, OccurredAt: time.Now()})
		// Keep only last 100 alerts
		if len(et.fatal) > 100 {
			et.fatal = et.fatal[len(et.fatal)-100:]
		}
	}
}

// GetErrorCount returns the count of errors for a category.
func (et *ErrorTracker) GetErrorCount(category ErrorCategory) uint64 {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.errorCounts[category]
}

// GetLastOccurrence returns the last occurrence time for a category.
func (et *ErrorTracker) GetLastOccurrence(category ErrorCategory) time.Time {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.lastOccurrence[category]
}

// GetFatalAlerts returns the recorded fatal errors.
func (et *ErrorTracker) GetFatalAlerts() []FatalAlert {
	et.mu.RLock()
	defer et.mu.RUnlock()

	alerts := make([]FatalAlert, len(et.fatal))
	copy(alerts, et.fatal)
	return alerts
}
