package rpc

import (
	"errors"
	"fmt"

	"edu/hyponome/internal/hasher"
)

var (
	ErrClosed        = errors.New("rpc: connection closed")
	ErrUnknownMethod = errors.New("unknown method")
)

// RemoteError is a failure reported by the server in a return message.
// It unwraps to the matching hasher sentinel, so
// errors.Is(err, hasher.ErrInvalidArgument) works across the wire.
type RemoteError struct {
	Code    hasher.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case hasher.CodeInvalidArgument:
		return hasher.ErrInvalidArgument
	case hasher.CodeCancelled:
		return hasher.ErrCancelled
	default:
		return hasher.ErrInternal
	}
}
