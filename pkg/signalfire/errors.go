package signalfire

import (
	"github.com/pkg/errors"
)

var (
	ErrAlreadyConnected = errors.New("relay link already active")
	ErrNotReady         = errors.New("client not ready: no identity assigned")
	ErrTransportNotOpen = errors.New("relay link not open")
	ErrInvalidIdentity  = errors.New("remote identity is empty")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("not found")
	ErrChannelClosed    = errors.New("sub-channel closed")
)

// ErrSessionClosed is returned by operations on a session after Close.
var ErrSessionClosed = errors.New("session closed")
