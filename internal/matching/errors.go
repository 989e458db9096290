package matching

import (
	"errors"
	"fmt"
)

// ErrMissingProfileID is the only malformed-input error the engine
// surfaces to callers.
var ErrMissingProfileID = errors.New("profile id is required")

// RetrievalError means every candidate query failed, including the
// unfiltered fallback. It is a hard failure: candidates cannot be
// invented. An empty candidate set is NOT a RetrievalError.
type RetrievalError struct {
	Attempts int
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("candidate retrieval failed after %d queries: %v", e.Attempts, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// IsRetrievalError reports whether err wraps a total retrieval failure.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}
