package retry

import (
	"fmt"
	"time"
)

// TimeoutError indicates a collaborator operation timed out. It is
// categorized as transient.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool {
	return true
}
