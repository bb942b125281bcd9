package kagami

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a subject has no stored profile.
var ErrNotFound = errors.New("kagami: subject not found")

// ErrExtractorNotConfigured is returned by Observe when the client was built
// without an extractor.
var ErrExtractorNotConfigured = errors.New("kagami: extractor not configured")

// PersistenceError reports a write that lost the optimistic-concurrency race
// on both the initial attempt and the single automatic retry. The caller may
// re-issue the request; the profile is unchanged by the failed call.
type PersistenceError struct {
	Attempts int
	Cause    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("kagami: write failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
