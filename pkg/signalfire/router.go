package signalfire

import (
	"context"
	"sync"

	"signal-fire/pkg/log"
	"signal-fire/pkg/peer"
	"signal-fire/pkg/signal"
	"signal-fire/pkg/transport"

	"github.com/pkg/errors"
)

type Config struct {
	Dialer transport.Dialer
	Engine peer.Engine
}

// Router is the client side of the relay: it owns the link, learns the local
// identity and routes every inbound envelope to the session of its sender.
type Router struct {
	cfg Config

	mu         sync.Mutex
	link       transport.Link
	connecting bool
	open       bool
	ready      bool
	identity   string
	identified chan string
	sessions   map[string]*Session

	events observers[RouterEvent]
}

func NewRouter(cfg Config) (*Router, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("relay dialer is not set")
	}

	if cfg.Engine == nil {
		return nil, errors.New("webrtc engine is not set")
	}

	return &Router{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

// Connect opens the relay link and blocks until the relay assigns an identity.
// If ctx ends first the link is closed again.
func (r *Router) Connect(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.link != nil || r.connecting {
		r.mu.Unlock()

		return "", ErrAlreadyConnected
	}
	r.connecting = true
	r.mu.Unlock()

	link, err := r.cfg.Dialer.Dial(ctx)

	r.mu.Lock()
	r.connecting = false
	if err != nil {
		r.mu.Unlock()

		return "", errors.Wrap(err, "relay link")
	}

	identified := make(chan string, 1)
	closed := make(chan struct{})

	r.link = link
	r.open = true
	r.identified = identified
	r.mu.Unlock()

	go r.listen(link, closed)

	select {
	case identity := <-identified:
		return identity, nil
	case <-closed:
		return "", errors.Wrap(ErrTransportNotOpen, "relay closed before assigning an identity")
	case <-ctx.Done():
		_ = link.Close()
		<-closed

		return "", errors.Wrap(ctx.Err(), "waiting for identity")
	}
}

func (r *Router) listen(link transport.Link, closed chan struct{}) {
	defer close(closed)

	err := link.Listen(context.Background(), r.onFrame)
	if err != nil {
		log.Errorf("relay link: %v", err)
		r.events.emit(TransportError{Err: err})
	}

	r.mu.Lock()
	if r.link == link {
		r.link = nil
		r.open = false
		r.ready = false
		r.identity = ""
		r.identified = nil
	}
	r.mu.Unlock()

	_ = link.Close()

	log.Info("relay link closed")
	r.events.emit(Disconnected{})
}

func (r *Router) onFrame(payload []byte) {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()

	if !ready {
		r.onHandshake(payload)

		return
	}

	r.dispatch(payload)
}

// onHandshake waits for the relay's identity greeting; anything else arriving
// before it is ignored.
func (r *Router) onHandshake(payload []byte) {
	env, err := signal.Parse(payload)
	if err != nil || env.Type != signal.TypeID || len(env.PeerID) == 0 {
		log.Debugf("ignoring frame before identity assignment")

		return
	}

	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()

		return
	}
	r.identity = env.PeerID
	r.ready = true
	identified := r.identified
	r.mu.Unlock()

	log.Infof("relay assigned identity %s", env.PeerID)

	identified <- env.PeerID
	r.events.emit(Ready{Identity: env.PeerID})

	for _, s := range r.Sessions() {
		s.relinked()
	}
}

func (r *Router) dispatch(payload []byte) {
	env, err := signal.Parse(payload)
	if err != nil {
		log.Debugf("dropping relay frame: %v", err)

		return
	}

	if len(env.SenderID) == 0 {
		log.Debugf("dropping %s envelope without sender", env.Type)

		return
	}

	if local := r.Identity(); len(env.ReceiverID) != 0 && env.ReceiverID != local {
		log.Debugf("dropping %s envelope addressed to %s", env.Type, env.ReceiverID)

		return
	}

	session, created, err := r.sessionFor(env.SenderID)
	if err != nil {
		log.Errorf("session for %s: %v", env.SenderID, err)

		return
	}

	if created {
		log.Infof("incoming session from %s", env.SenderID)
		r.events.emit(IncomingSession{Session: session})
	}

	session.deliver(env)
}

// sessionFor returns the tracked session of remote, creating it on first
// contact.
func (r *Router) sessionFor(remote string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[remote]; ok {
		return s, false, nil
	}

	s, err := r.newSessionLocked(remote)
	if err != nil {
		return nil, false, err
	}

	return s, true, nil
}

func (r *Router) newSessionLocked(remote string) (*Session, error) {
	conn, err := r.cfg.Engine.NewConnection()
	if err != nil {
		return nil, err
	}

	s := newSession(r, remote, conn)
	r.sessions[remote] = s

	return s, nil
}

// OpenSession starts tracking a session with remote. Only one session per
// remote identity may exist at a time.
func (r *Router) OpenSession(remote string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(remote); err != nil {
		return nil, err
	}

	if _, ok := r.sessions[remote]; ok {
		return nil, errors.Wrapf(ErrAlreadyExists, "session with %s", remote)
	}

	s, err := r.newSessionLocked(remote)
	if err != nil {
		return nil, errors.Wrapf(err, "session with %s", remote)
	}

	return s, nil
}

func (r *Router) GetSession(remote string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(remote); err != nil {
		return nil, err
	}

	s, ok := r.sessions[remote]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "session with %s", remote)
	}

	return s, nil
}

func (r *Router) checkLocked(remote string) error {
	if !r.ready {
		return ErrNotReady
	}

	if len(remote) == 0 {
		return ErrInvalidIdentity
	}

	return nil
}

// Sessions returns the currently tracked sessions in no particular order.
func (r *Router) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}

	return sessions
}

// Send writes an envelope to the relay. All sessions send through it.
func (r *Router) Send(env signal.Envelope) error {
	r.mu.Lock()
	link, open, ready := r.link, r.open, r.ready
	r.mu.Unlock()

	if !open || link == nil {
		return ErrTransportNotOpen
	}

	if !ready {
		return ErrNotReady
	}

	payload, err := signal.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	return link.Send(payload)
}

// Close shuts the relay link down. Sessions stay tracked.
func (r *Router) Close() error {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()

	if link == nil {
		return nil
	}

	return link.Close()
}

func (r *Router) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.identity
}

func (r *Router) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ready
}

func (r *Router) Subscribe(h func(RouterEvent)) (unsubscribe func()) {
	return r.events.subscribe(h)
}

func (r *Router) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.remote] == s {
		delete(r.sessions, s.remote)
	}
}
