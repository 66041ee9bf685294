package signalfire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"signal-fire/pkg/peer"
	"signal-fire/pkg/signal"
	"signal-fire/pkg/transport"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// flushOps blocks until every operation queued on o before it has run. It
// must not be called from inside an operation.
func flushOps(o *operations) {
	done := make(chan struct{})

	if !o.enqueue(func() { close(done) }) {
		return
	}

	<-done
}

// fakeEngine hands out fakeConnections and remembers them in creation order.
type fakeEngine struct {
	mu    sync.Mutex
	conns []*fakeConnection
	err   error
}

func (e *fakeEngine) NewConnection() (peer.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}

	c := &fakeConnection{signaling: webrtc.SignalingStateStable}
	e.conns = append(e.conns, c)

	return c, nil
}

func (e *fakeEngine) connections() []*fakeConnection {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*fakeConnection(nil), e.conns...)
}

// fakeConnection follows pion's signaling state transitions: it rejects every
// transition pion rejects, including rollbacks, and only applies the offer it
// created last. It records every call it gets.
type fakeConnection struct {
	mu         sync.Mutex
	signaling  webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	calls      []string
	candidates []webrtc.ICECandidateInit
	channels   []*fakeChannel
	generated  int
	lastOffer  string
	closed     bool

	createOfferErr error
	setLocalErr    error
	setRemoteErr   error

	onCandidate   func(*webrtc.ICECandidateInit)
	onNegotiation func()
	onDataChannel func(peer.Channel)
	onTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState       func(webrtc.PeerConnectionState)
}

func (c *fakeConnection) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeConnection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("create-offer")

	if c.createOfferErr != nil {
		return webrtc.SessionDescription{}, c.createOfferErr
	}

	c.generated++
	c.lastOffer = fmt.Sprintf("offer-%d", c.generated)

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.lastOffer}, nil
}

func (c *fakeConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("create-answer")

	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}

	c.generated++

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.generated)}, nil
}

func (c *fakeConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("set-local:" + desc.Type.String())

	if c.setLocalErr != nil {
		return c.setLocalErr
	}

	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		if desc.SDP != c.lastOffer {
			return errors.New("sdp does not match the last created offer")
		}
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveRemoteOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		return errors.Errorf("set local %s in %s", desc.Type, c.signaling)
	}

	c.local = &desc

	return nil
}

func (c *fakeConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("set-remote:" + desc.Type.String())

	if c.setRemoteErr != nil {
		return c.setRemoteErr
	}

	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveLocalOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		return errors.Errorf("set remote %s in %s", desc.Type, c.signaling)
	}

	c.remote = &desc

	return nil
}

func (c *fakeConnection) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.local
}

func (c *fakeConnection) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remote
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remote == nil {
		return errors.New("remote description not set")
	}

	c.candidates = append(c.candidates, candidate)

	return nil
}

func (c *fakeConnection) CreateDataChannel(label string) (peer.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := newFakeChannel(label)
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *fakeConnection) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("add-track")

	return nil, nil
}

func (c *fakeConnection) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	c.onCandidate = h
}

func (c *fakeConnection) OnNegotiationNeeded(h func()) {
	c.onNegotiation = h
}

func (c *fakeConnection) OnDataChannel(h func(peer.Channel)) {
	c.onDataChannel = h
}

func (c *fakeConnection) OnTrack(h func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onTrack = h
}

func (c *fakeConnection) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	c.onState = h
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *fakeConnection) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.calls...)
}

func (c *fakeConnection) addedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConnection) signalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.signaling
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *fakeConnection) lastChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.channels) == 0 {
		return nil
	}

	return c.channels[len(c.channels)-1]
}

type fakeChannel struct {
	label string

	mu         sync.Mutex
	state      webrtc.DataChannelState
	sent       [][]byte
	closeCalls int

	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (c *fakeChannel) Label() string {
	return c.label
}

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *fakeChannel) BufferedAmount() uint64 {
	return 0
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != webrtc.DataChannelStateOpen {
		return errors.New("channel not open")
	}

	c.sent = append(c.sent, append([]byte(nil), data...))

	return nil
}

func (c *fakeChannel) SendText(text string) error {
	return c.Send([]byte(text))
}

// Close confirms asynchronously, the way the engine does after the stream
// reset completes.
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.state = webrtc.DataChannelStateClosed
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		go onClose()
	}

	return nil
}

func (c *fakeChannel) OnOpen(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onOpen = h
}

func (c *fakeChannel) OnClose(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onClose = h
}

func (c *fakeChannel) OnMessage(h func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMessage = h
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	onOpen := c.onOpen
	c.mu.Unlock()

	onOpen()
}

func (c *fakeChannel) receive(data string) {
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()

	onMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte(data)})
}

func (c *fakeChannel) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.sent...)
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCalls
}

// fakeSignaler stands in for the router in session tests.
type fakeSignaler struct {
	mu        sync.Mutex
	identity  string
	sent      []signal.Envelope
	sendErr   error
	forgotten []*Session
}

func (f *fakeSignaler) Send(env signal.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, env)

	return nil
}

func (f *fakeSignaler) Identity() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.identity
}

// reassign stands in for the relay handing out a new identity on reconnect.
func (f *fakeSignaler) reassign(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.identity = identity
}

func (f *fakeSignaler) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendErr = err
}

func (f *fakeSignaler) forget(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forgotten = append(f.forgotten, s)
}

func (f *fakeSignaler) envelopes() []signal.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]signal.Envelope(nil), f.sent...)
}

func (f *fakeSignaler) types() []signal.Type {
	var types []signal.Type

	for _, env := range f.envelopes() {
		types = append(types, env.Type)
	}

	return types
}

// fakeLink is an in-memory relay link. Frames pushed with push are delivered
// to Listen in order; frames the router sends are recorded.
type fakeLink struct {
	inbound chan []byte
	failure chan error

	mu   sync.Mutex
	sent [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		inbound: make(chan []byte, 64),
		failure: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) Send(payload []byte) error {
	select {
	case <-l.closed:
		return transport.ErrLinkClosed
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sent = append(l.sent, payload)

	return nil
}

func (l *fakeLink) Listen(ctx context.Context, onMessage func([]byte)) error {
	for {
		select {
		case payload := <-l.inbound:
			onMessage(payload)
		case err := <-l.failure:
			return err
		case <-l.closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})

	return nil
}

// fail makes Listen return err, as a broken socket would.
func (l *fakeLink) fail(err error) {
	l.failure <- err
}

func (l *fakeLink) push(frame string) {
	l.inbound <- []byte(frame)
}

func (l *fakeLink) pushEnvelope(t *testing.T, env signal.Envelope) {
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	l.inbound <- payload
}

func (l *fakeLink) envelopes(t *testing.T) []signal.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	envs := make([]signal.Envelope, 0, len(l.sent))
	for _, payload := range l.sent {
		var env signal.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		envs = append(envs, env)
	}

	return envs
}

func (l *fakeLink) raw() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([][]byte(nil), l.sent...)
}

type fakeDialer struct {
	mu    sync.Mutex
	next  []*fakeLink
	links []*fakeLink
	err   error
}

func (d *fakeDialer) Dial(context.Context) (transport.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	var link *fakeLink
	if len(d.next) > 0 {
		link, d.next = d.next[0], d.next[1:]
	} else {
		link = newFakeLink()
	}

	d.links = append(d.links, link)

	return link, nil
}

// queue prepares the link the next Dial returns, so frames can be pushed
// before Connect starts listening.
func (d *fakeDialer) queue() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()

	link := newFakeLink()
	d.next = append(d.next, link)

	return link
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.links)
}
