package lazy

import (
	"errors"
	"fmt"
)

var (
	// ErrInconsistentShape is returned when metadata describes an array that
	// cannot exist: non-positive axis sizes, a pyramid without levels, or
	// non-positive tile sizes.
	ErrInconsistentShape = errors.New("inconsistent shape metadata")
	// ErrPlaneFetch marks a failed whole-plane read.
	ErrPlaneFetch = errors.New("plane fetch failed")
	// ErrTileFetch marks a failed tile read.
	ErrTileFetch = errors.New("tile fetch failed")
	// ErrOutOfRange is returned when an index falls outside an array axis.
	ErrOutOfRange = errors.New("index out of range")
)

// FetchError is the error of a single unit. It matches both its kind
// (ErrPlaneFetch or ErrTileFetch) and the underlying cause with errors.Is.
type FetchError struct {
	Coord Coord
	Kind  error
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v at %s: %v", e.Kind, e.Coord, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
