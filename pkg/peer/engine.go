package peer

import (
	"github.com/pion/webrtc/v3"
)

// Engine creates the peer connections that sessions negotiate over.
type Engine interface {
	NewConnection() (Connection, error)
}

// Connection is the subset of a peer connection a signaling session drives.
// Descriptions and candidates use pion's types; the engine owns ICE, DTLS and
// SCTP entirely.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription

	AddICECandidate(webrtc.ICECandidateInit) error

	CreateDataChannel(label string) (Channel, error)
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)

	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnNegotiationNeeded(func())
	OnDataChannel(func(Channel))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// Channel is one data channel. *webrtc.DataChannel satisfies it.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	BufferedAmount() uint64

	Send([]byte) error
	SendText(string) error
	Close() error

	OnOpen(func())
	OnClose(func())
	OnMessage(func(webrtc.DataChannelMessage))
}

var _ Channel = (*webrtc.DataChannel)(nil)
