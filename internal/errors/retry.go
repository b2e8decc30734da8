package errors

import (
	"errors"
	"fmt"
)

// DefaultStaleRetryLimit bounds the number of handle reloads performed by RetryStale.
const DefaultStaleRetryLimit = 5

// RetryStale runs call and, while it fails with ErrInvalidEngineHandle, reloads the
// handle and runs call again. Only the single physical call is repeated. After limit
// reloads the last error is returned wrapped; ErrInvalidEngineHandle never escapes.
func RetryStale[T any](limit int, reload func() error, call func() (T, error)) (T, error) {
	if limit <= 0 {
		limit = DefaultStaleRetryLimit
	}

	var zero T
	for attempt := 0; ; attempt++ {
		result, err := call()
		if err == nil || !errors.Is(err, ErrInvalidEngineHandle) {
			return result, err
		}
		if attempt >= limit {
			return zero, fmt.Errorf("index engine handle kept changing after %d reloads: %w", limit, ErrIndexNotFound)
		}
		if err := reload(); err != nil {
			return zero, err
		}
	}
}
