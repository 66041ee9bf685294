package signalfire

import (
	"signal-fire/pkg/signal"

	"github.com/pion/webrtc/v3"
)

// RouterEvent is one of Ready, IncomingSession, TransportError or Disconnected.
type RouterEvent interface {
	routerEvent()
}

// Ready fires once the relay has assigned the local identity.
type Ready struct {
	Identity string
}

// IncomingSession fires when traffic from an unknown remote identity created
// a session. It is emitted before the first envelope is delivered to it.
type IncomingSession struct {
	Session *Session
}

// TransportError reports a failure of the relay link. The router does not
// retry; the link is already torn down when Disconnected follows.
type TransportError struct {
	Err error
}

type Disconnected struct{}

func (Ready) routerEvent()           {}
func (IncomingSession) routerEvent() {}
func (TransportError) routerEvent()  {}
func (Disconnected) routerEvent()    {}

// SessionEvent is one of RemoteTrack, IncomingSubChannel, UnknownMessage,
// NegotiationStateChanged, ConnectionStateChanged or SessionClosed.
type SessionEvent interface {
	sessionEvent()
}

type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// IncomingSubChannel fires when the remote side opened a data channel.
type IncomingSubChannel struct {
	Channel *SubChannel
}

// UnknownMessage carries an envelope whose type the session does not handle.
type UnknownMessage struct {
	Type     signal.Type
	Envelope signal.Envelope
}

type NegotiationStateChanged struct {
	State NegotiationState
}

type ConnectionStateChanged struct {
	State webrtc.PeerConnectionState
}

type SessionClosed struct{}

func (RemoteTrack) sessionEvent()             {}
func (IncomingSubChannel) sessionEvent()      {}
func (UnknownMessage) sessionEvent()          {}
func (NegotiationStateChanged) sessionEvent() {}
func (ConnectionStateChanged) sessionEvent()  {}
func (SessionClosed) sessionEvent()           {}

// ChannelEvent is one of ChannelOpened, ChannelClosed or ChannelMessage.
type ChannelEvent interface {
	channelEvent()
}

type ChannelOpened struct{}

type ChannelClosed struct{}

type ChannelMessage struct {
	Data     []byte
	IsString bool
}

func (ChannelOpened) channelEvent()  {}
func (ChannelClosed) channelEvent()  {}
func (ChannelMessage) channelEvent() {}
