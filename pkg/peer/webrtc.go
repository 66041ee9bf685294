package peer

import (
	"time"

	"signal-fire/pkg/log"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// WebRTC is the pion backed Engine. Every connection it creates shares one
// API instance and the configured ICE servers.
type WebRTC struct {
	api    *webrtc.API
	config webrtc.Configuration
}

type WebRTCConfig struct {
	STUN []string
	TURN []TURNServer

	// ICE timeouts; zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback lets peers on the same host pair over 127.0.0.1.
	IncludeLoopback bool
}

type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	ice := make([]webrtc.ICEServer, 0, len(cfg.STUN)+len(cfg.TURN))

	for _, stun := range cfg.STUN {
		ice = append(ice, webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		})
	}

	for _, turn := range cfg.TURN {
		if len(turn.URL) == 0 {
			return nil, errors.New("turn server url is empty")
		}

		ice = append(ice, webrtc.ICEServer{
			URLs:           []string{turn.URL},
			Username:       turn.Username,
			Credential:     turn.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: log.PionLoggerFactory(),
	}

	if cfg.DisconnectedTimeout != 0 || cfg.FailedTimeout != 0 || cfg.KeepAliveInterval != 0 {
		settings.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &WebRTC{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config: webrtc.Configuration{ICEServers: ice},
	}, nil
}

func (w *WebRTC) NewConnection() (Connection, error) {
	pc, err := w.api.NewPeerConnection(w.config)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	return &connection{pc: pc}, nil
}

type connection struct {
	pc *webrtc.PeerConnection
}

func (c *connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *connection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *connection) CreateDataChannel(label string) (Channel, error) {
	channel, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}

	return channel, nil
}

func (c *connection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *connection) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			h(nil)

			return
		}

		init := candidate.ToJSON()
		h(&init)
	})
}

func (c *connection) OnNegotiationNeeded(h func()) {
	c.pc.OnNegotiationNeeded(h)
}

func (c *connection) OnDataChannel(h func(Channel)) {
	c.pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		h(channel)
	})
}

func (c *connection) OnTrack(h func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(h)
}

func (c *connection) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(h)
}

func (c *connection) Close() error {
	return c.pc.Close()
}
