package signal

import (
	"github.com/pkg/errors"
)

var (
	// ErrMalformedEnvelope is returned when a relay frame is not a JSON envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrMissingPayload is returned when an offer/answer lacks its session
	// description or an ice envelope lacks its candidate.
	ErrMissingPayload = errors.New("envelope payload missing")
)
