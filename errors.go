package relay

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation matches every *InvariantError. Invariant violations
// report programmer errors: malformed metadata or data that does not match
// the shape the metadata describes.
var ErrInvariantViolation = errors.New("relay: invariant violation")

// ErrClosed is returned by operations on a closed fragment facade.
var ErrClosed = errors.New("relay: fragment closed")

// InvariantError describes a violated invariant.
type InvariantError struct {
	// Fragment is the name of the fragment involved, if any.
	Fragment string
	Message  string
}

func (e *InvariantError) Error() string {
	if e.Fragment != "" {
		return fmt.Sprintf("relay: %s: %s", e.Fragment, e.Message)
	}
	return "relay: " + e.Message
}

// Is makes errors.Is(err, ErrInvariantViolation) hold for every InvariantError.
func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

func invariantf(fragment, format string, args ...any) error {
	return &InvariantError{Fragment: fragment, Message: fmt.Sprintf(format, args...)}
}
