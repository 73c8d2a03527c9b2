package rpc

import (
	"context"
	"fmt"

	"edu/hyponome/internal/hasher"
)

// Capability is a server-side object a connection exports under a
// numeric id. Dispatch must return a call that eventually reaches a
// terminal state, or an error if the method cannot be started at all.
type Capability interface {
	Dispatch(ctx context.Context, method string, data []byte) (*hasher.PendingCall, error)
}

// HasherCapability exposes a hasher.Hasher as the "hash" method.
type HasherCapability struct {
	hasher hasher.Hasher
}

func NewHasherCapability(h hasher.Hasher) *HasherCapability {
	return &HasherCapability{hasher: h}
}

func (c *HasherCapability) Dispatch(ctx context.Context, method string, data []byte) (*hasher.PendingCall, error) {
	if method != MethodHash {
		return nil, fmt.Errorf("%w: %w %q", hasher.ErrInvalidArgument, ErrUnknownMethod, method)
	}
	return c.hasher.Hash(ctx, data), nil
}
