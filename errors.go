package fundex

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned, flagged on an empty result, when a search runs
	// before the first successful generation build.
	ErrNotReady = errors.New("fundex: index not built yet")

	// ErrEmptyQuery rejects empty or whitespace-only queries.
	ErrEmptyQuery = &ValidationError{Reason: "query must not be empty"}
)

// ValidationError rejects malformed caller input before any index is touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "fundex: invalid request: " + e.Reason
}

// FetchError wraps a failed remote snapshot fetch. The previous generation
// stays authoritative when it occurs.
type FetchError struct {
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fundex: snapshot fetch failed: status %d", e.Status)
	}
	return "fundex: snapshot fetch failed: " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports an unusable snapshot payload. Individual bad records are
// dropped without raising it; only a payload with zero valid records does.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return "fundex: snapshot parse failed: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError wraps a local storage failure. The in-memory generation
// remains usable when it occurs.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("fundex: persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
