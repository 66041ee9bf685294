// Package signal models the relay wire format: every frame exchanged with the
// relay is a single JSON object. The relay greets a client with
//
//	{"type": "id", "peerId": "<identity>"}
//
// and afterwards forwards envelopes between identities untouched:
//
//	{"type": "offer", "senderId": "A", "receiverId": "B", "peerId": "B", "sdp": {...}}
//
// peerId duplicates receiverId on outbound envelopes for relays that still
// speak the first protocol revision.
package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type Type string

const (
	TypeID     Type = "id"
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
	TypeICE    Type = "ice"
)

// SessionDescription is the JSON shape of an RTCSessionDescription.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (d SessionDescription) ToPion() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

// Candidate is the JSON shape of an RTCIceCandidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is one signaling frame.
type Envelope struct {
	Type       Type   `json:"type"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`

	// PeerID carries the assigned identity in the relay's "id" greeting and
	// mirrors ReceiverID everywhere else.
	PeerID string `json:"peerId,omitempty"`

	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

// Address stamps the envelope with both endpoints, including the legacy
// peerId field.
func (e *Envelope) Address(sender, receiver string) {
	e.SenderID = sender
	e.ReceiverID = receiver
	e.PeerID = receiver
}

func (e Envelope) Validate() error {
	switch e.Type {
	case "":
		return errors.Wrap(ErrMalformedEnvelope, "type is empty")
	case TypeOffer, TypeAnswer:
		if e.SDP == nil || e.SDP.SDP == "" {
			return errors.Wrapf(ErrMissingPayload, "%s without sdp", e.Type)
		}
	case TypeICE:
		if e.Candidate == nil {
			return errors.Wrap(ErrMissingPayload, "ice without candidate")
		}
	}

	return nil
}

// Parse decodes and validates one relay frame. Unknown types are accepted so
// that the receiving session can report them.
func Parse(payload []byte) (Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
