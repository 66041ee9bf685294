package signalfire

// NegotiationState tracks the offer/answer exchange of one session.
type NegotiationState int

const (
	// Stable means no offer/answer round is in flight.
	Stable NegotiationState = iota
	// OfferSent means a local offer is applied and waits for the remote answer.
	OfferSent
	// OfferReceived means a remote offer is being applied and answered.
	OfferReceived
)

func (s NegotiationState) String() string {
	switch s {
	case Stable:
		return "stable"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	default:
		return "unknown"
	}
}

// politeness decides glare: the lower identity yields to the higher one.
func polite(local, remote string) bool {
	return local < remote
}
