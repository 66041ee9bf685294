package signalfire

import (
	"sync"

	"signal-fire/pkg/log"
	"signal-fire/pkg/peer"
	"signal-fire/pkg/signal"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// signaler is the part of the router a session talks back to.
type signaler interface {
	Send(signal.Envelope) error
	Identity() string
	forget(*Session)
}

// Session negotiates one peer connection with one remote identity.
//
// Negotiation steps, inbound envelopes and locally gathered candidates are
// all processed on a single operation queue, so an offer is always applied
// and sent before the candidates discovered while applying it.
//
// A local offer is sent as soon as it is created but only applied to the
// engine once its answer arrives. Until then the engine stays stable, so an
// offer that collides with a remote one, or that never reached the relay, is
// simply dropped.
type Session struct {
	remote string
	router signaler
	conn   peer.Connection
	log    *logrus.Entry

	ops operations

	mu          sync.Mutex
	closed      bool
	state       NegotiationState
	pending     bool
	ignoreOffer bool
	offer       webrtc.SessionDescription
	applied     bool
	resent      bool
	candidates  []webrtc.ICECandidateInit
	subChannels map[string]*SubChannel

	events observers[SessionEvent]
}

func newSession(router signaler, remote string, conn peer.Connection) *Session {
	s := &Session{
		remote:      remote,
		router:      router,
		conn:        conn,
		log:         log.WithField("remote", remote),
		subChannels: make(map[string]*SubChannel),
	}

	conn.OnNegotiationNeeded(func() {
		s.ops.enqueue(s.negotiate)
	})

	conn.OnICECandidate(func(candidate *webrtc.ICECandidateInit) {
		if candidate == nil {
			return
		}

		c := *candidate
		s.ops.enqueue(func() {
			s.sendCandidate(c)
		})
	})

	conn.OnDataChannel(s.onDataChannel)

	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.log.Infof("remote track %s (%s)", track.ID(), track.Kind())
		s.events.emit(RemoteTrack{Track: track, Receiver: receiver})
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("connection state changed: ", state)
		s.events.emit(ConnectionStateChanged{State: state})
	})

	return s
}

func (s *Session) RemoteIdentity() string {
	return s.remote
}

// Polite reports whether this side yields when both peers offer at once.
// The relay may assign a new local identity on every connect, so the answer
// can change over the lifetime of a session.
func (s *Session) Polite() bool {
	return polite(s.router.Identity(), s.remote)
}

func (s *Session) NegotiationState() NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) Subscribe(h func(SessionEvent)) (unsubscribe func()) {
	return s.events.subscribe(h)
}

// AddTrack attaches an outbound media track. The engine asks for
// renegotiation afterwards.
func (s *Session) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	return s.conn.AddTrack(track)
}

// OpenSubChannel creates a data channel labelled label. The returned channel
// becomes usable once it reports ChannelOpened.
func (s *Session) OpenSubChannel(label string) (*SubChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if _, ok := s.subChannels[label]; ok {
		return nil, errors.Wrapf(ErrAlreadyExists, "sub-channel %q", label)
	}

	channel, err := s.conn.CreateDataChannel(label)
	if err != nil {
		return nil, errors.Wrapf(err, "sub-channel %q", label)
	}

	sc := newSubChannel(s, channel)
	s.subChannels[label] = sc

	return sc, nil
}

func (s *Session) SubChannel(label string) (*SubChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.subChannels[label]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "sub-channel %q", label)
	}

	return sc, nil
}

func (s *Session) SubChannels() []*SubChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := make([]*SubChannel, 0, len(s.subChannels))
	for _, sc := range s.subChannels {
		channels = append(channels, sc)
	}

	return channels
}

// Close closes every sub-channel and the peer connection, and stops tracking
// the session in its router. Queued negotiation work is abandoned.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true

	channels := make([]*SubChannel, 0, len(s.subChannels))
	for _, sc := range s.subChannels {
		channels = append(channels, sc)
	}
	s.mu.Unlock()

	s.ops.close()

	for _, sc := range channels {
		if err := sc.Close(); err != nil {
			s.log.Debugf("close sub-channel %q: %v", sc.Label(), err)
		}

		sc.onClose()
	}

	err := s.conn.Close()

	s.router.forget(s)
	s.events.emit(SessionClosed{})

	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Session) setState(state NegotiationState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	if state == Stable {
		s.ignoreOffer = false
	}
	s.mu.Unlock()

	if changed {
		s.log.Debugf("negotiation state: %s", state)
		s.events.emit(NegotiationStateChanged{State: state})
	}
}

// deliver queues an inbound envelope from the router.
func (s *Session) deliver(env signal.Envelope) {
	if !s.ops.enqueue(func() { s.onMessage(env) }) {
		s.log.Debugf("dropping %s envelope for closed session", env.Type)
	}
}

func (s *Session) onMessage(env signal.Envelope) {
	if s.isClosed() {
		return
	}

	switch env.Type {
	case signal.TypeOffer:
		s.onOffer(env.SDP.ToPion())
	case signal.TypeAnswer:
		s.onAnswer(env.SDP.ToPion())
	case signal.TypeICE:
		s.onCandidate(env.Candidate.ToPion())
	default:
		s.log.Debugf("unknown message type %q", env.Type)
		s.events.emit(UnknownMessage{Type: env.Type, Envelope: env})
	}
}

// negotiate sends a fresh offer, or marks one as pending while another round
// is in flight.
func (s *Session) negotiate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	if s.state != Stable {
		s.pending = true
		s.mu.Unlock()
		s.log.Debug("negotiation deferred until the current round completes")

		return
	}
	s.pending = false
	s.mu.Unlock()

	offer, err := s.conn.CreateOffer()
	if err != nil {
		s.log.Errorf("create offer: %v", err)

		return
	}

	s.mu.Lock()
	s.offer = offer
	s.applied = false
	s.resent = false
	s.mu.Unlock()

	s.setState(OfferSent)

	if err := s.sendDescription(signal.TypeOffer, offer); err != nil {
		// The engine never saw the offer. Try again once the relay is back.
		s.log.Warnf("send offer: %v", err)

		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()

		s.setState(Stable)
	}
}

// resume starts a negotiation that was deferred while a round was in flight.
func (s *Session) resume() {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if pending {
		s.negotiate()
	}
}

// relinked picks negotiation up again after the router got a new relay link.
// An answer to an offer sent over the old link can no longer arrive.
func (s *Session) relinked() {
	s.ops.enqueue(func() {
		if s.isClosed() {
			return
		}

		s.mu.Lock()
		state, applied := s.state, s.applied
		s.resent = false
		if state == OfferSent && !applied {
			s.pending = true
		}
		s.mu.Unlock()

		if state == OfferSent {
			if applied {
				s.resendOffer()

				return
			}

			s.setState(Stable)
		}

		s.resume()
	})
}

func (s *Session) onOffer(offer webrtc.SessionDescription) {
	courteous := s.Polite()

	s.mu.Lock()
	collision := s.state == OfferSent
	// Only an offer the engine has not applied yet can be withdrawn.
	yield := collision && courteous && !s.applied
	s.ignoreOffer = collision && !yield
	ignore := s.ignoreOffer
	if yield {
		s.pending = true
		s.offer = webrtc.SessionDescription{}
	}
	s.mu.Unlock()

	if ignore {
		s.log.Info("ignoring colliding offer, waiting for answer")

		return
	}

	if yield {
		s.log.Debug("local offer withdrawn in favour of remote offer")
	}

	s.setState(OfferReceived)

	if err := s.conn.SetRemoteDescription(offer); err != nil {
		s.log.Errorf("set remote offer: %v", err)
		s.setState(Stable)

		return
	}

	s.flushCandidates()

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		s.log.Errorf("create answer: %v", err)
		s.setState(Stable)

		return
	}

	if err := s.conn.SetLocalDescription(answer); err != nil {
		s.log.Errorf("set local answer: %v", err)
		s.setState(Stable)

		return
	}

	s.setState(Stable)

	if local := s.conn.LocalDescription(); local != nil {
		answer = *local
	}

	if err := s.sendDescription(signal.TypeAnswer, answer); err != nil {
		s.log.Errorf("send answer: %v", err)
	}

	s.resume()
}

func (s *Session) onAnswer(answer webrtc.SessionDescription) {
	if state := s.NegotiationState(); state != OfferSent {
		s.log.Warnf("dropping answer received in state %s", state)

		return
	}

	s.mu.Lock()
	offer, applied := s.offer, s.applied
	s.mu.Unlock()

	if !applied {
		if err := s.conn.SetLocalDescription(offer); err != nil {
			s.log.Errorf("set local offer: %v", err)
			s.setState(Stable)

			return
		}

		s.mu.Lock()
		s.applied = true
		s.mu.Unlock()
	}

	if err := s.conn.SetRemoteDescription(answer); err != nil {
		// The engine holds the offer now and cannot take it back; ask the
		// remote side for another answer instead.
		s.log.Errorf("set remote answer: %v", err)
		s.resendOffer()

		return
	}

	s.mu.Lock()
	s.applied = false
	s.mu.Unlock()

	s.setState(Stable)
	s.flushCandidates()
	s.resume()
}

// resendOffer sends the applied local offer once more. A round gets a single
// retry; after that the session stays in OfferSent.
func (s *Session) resendOffer() {
	s.mu.Lock()
	resent := s.resent
	s.resent = true
	s.mu.Unlock()

	if resent {
		s.log.Error("no usable answer to the local offer, giving up")

		return
	}

	local := s.conn.LocalDescription()
	if local == nil {
		return
	}

	if err := s.sendDescription(signal.TypeOffer, *local); err != nil {
		s.log.Warnf("resend offer: %v", err)
	}
}

// onCandidate hands a remote candidate to the engine, holding it back until a
// remote description exists.
func (s *Session) onCandidate(candidate webrtc.ICECandidateInit) {
	if s.conn.RemoteDescription() == nil {
		s.mu.Lock()
		s.candidates = append(s.candidates, candidate)
		s.mu.Unlock()

		return
	}

	s.addCandidate(candidate)
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	candidates := s.candidates
	s.candidates = nil
	s.mu.Unlock()

	for _, candidate := range candidates {
		s.addCandidate(candidate)
	}
}

func (s *Session) addCandidate(candidate webrtc.ICECandidateInit) {
	err := s.conn.AddICECandidate(candidate)
	if err == nil {
		return
	}

	s.mu.Lock()
	ignoring := s.ignoreOffer
	s.mu.Unlock()

	// Candidates of an ignored offer are expected to fail.
	if !ignoring {
		s.log.Errorf("add remote candidate: %v", err)
	}
}

func (s *Session) sendDescription(typ signal.Type, desc webrtc.SessionDescription) error {
	env := signal.Envelope{
		Type: typ,
		SDP:  signal.DescriptionFromPion(desc),
	}

	return s.send(env)
}

func (s *Session) sendCandidate(candidate webrtc.ICECandidateInit) {
	if s.isClosed() {
		return
	}

	env := signal.Envelope{
		Type:      signal.TypeICE,
		Candidate: signal.CandidateFromPion(candidate),
	}

	if err := s.send(env); err != nil {
		s.log.Warnf("send candidate: %v", err)
	}
}

func (s *Session) send(env signal.Envelope) error {
	env.Address(s.router.Identity(), s.remote)

	return s.router.Send(env)
}

func (s *Session) onDataChannel(channel peer.Channel) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = channel.Close()

		return
	}

	label := channel.Label()
	if _, ok := s.subChannels[label]; ok {
		s.log.Warnf("remote sub-channel %q replaces a local one", label)
	}

	sc := newSubChannel(s, channel)
	s.subChannels[label] = sc
	s.mu.Unlock()

	s.log.Infof("incoming sub-channel %q", label)
	s.events.emit(IncomingSubChannel{Channel: sc})
}

// dropSubChannel removes sc unless its label already points elsewhere.
func (s *Session) dropSubChannel(sc *SubChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subChannels[sc.label] == sc {
		delete(s.subChannels, sc.label)
	}
}
