package overlay

import (
	"errors"
	"fmt"
	"time"

	"cyclearb/types"
)

var (
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("overlay: intent cannot be resolved")

	// ErrStaleState matches every *StaleStateError.
	ErrStaleState = errors.New("overlay: venue state too old")
)

// DecodeError reports an intent that does not resolve against the graph.
type DecodeError struct {
	Index  int // position of the offending intent, -1 for the list itself
	Venue  types.VenueID
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("overlay: decode: %s", e.Reason)
	if e.Index >= 0 {
		msg = fmt.Sprintf("overlay: decode: intent %d on %s: %s", e.Index, e.Venue.Hex(), e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// StaleStateError reports a venue whose cached reserves are older than the
// freshness bound, or which is currently disabled.
type StaleStateError struct {
	Venue    types.VenueID
	Age      time.Duration
	Bound    time.Duration
	Disabled bool
}

func (e *StaleStateError) Error() string {
	if e.Disabled {
		return fmt.Sprintf("overlay: venue %s disabled", e.Venue.Hex())
	}
	return fmt.Sprintf("overlay: venue %s state is %s old (bound %s)", e.Venue.Hex(), e.Age, e.Bound)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }
