package hasher

import (
	"errors"
	"fmt"
)

// Code classifies a failed call for the wire.
type Code string

const (
	CodeInvalidArgument Code = "invalid_argument"
	CodeInternal        Code = "internal"
	CodeCancelled       Code = "cancelled"
)

var (
	// ErrInvalidArgument rejects a request before any hashing happens.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInternal covers engine faults and resource exhaustion.
	ErrInternal = errors.New("internal error")
	// ErrCancelled is never delivered to a caller; it is what Result
	// reports for a call abandoned by its connection.
	ErrCancelled = errors.New("call cancelled")
)

// CodeOf maps an error returned by a PendingCall to its wire code. Errors
// outside the taxonomy are internal.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// FromCode rebuilds an error on the receiving side of the wire so that
// errors.Is keeps working against the sentinels.
func FromCode(code Code, message string) error {
	switch code {
	case CodeInvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, message)
	case CodeCancelled:
		return fmt.Errorf("%w: %s", ErrCancelled, message)
	default:
		return fmt.Errorf("%w: %s", ErrInternal, message)
	}
}
