package transport

import (
	"context"
)

// Link is one ordered, message-based duplex connection to the relay.
type Link interface {
	// Send writes one frame. It is safe for concurrent use.
	Send(payload []byte) error

	// Listen delivers inbound frames to onMessage, one at a time and in order,
	// until the link closes or ctx ends. A normal closure returns nil.
	Listen(ctx context.Context, onMessage func([]byte)) error

	Close() error
}

// Dialer opens links to a relay.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}
