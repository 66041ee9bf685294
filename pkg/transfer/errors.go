package transfer

import (
	"github.com/pkg/errors"
)

var (
	errNotDirectory = errors.New("not a directory")
	errIsDirectory  = errors.New("is a directory")

	// ErrBadFrame is returned when the remote side breaks the frame sequence.
	ErrBadFrame = errors.New("unexpected transfer frame")

	// ErrIncomplete is returned when the channel closed before the end frame.
	ErrIncomplete = errors.New("transfer interrupted")
)
