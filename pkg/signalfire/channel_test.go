package signalfire

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelRecorder struct {
	mu     sync.Mutex
	events []ChannelEvent
}

func (r *channelRecorder) record(ev ChannelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *channelRecorder) snapshot() []ChannelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]ChannelEvent(nil), r.events...)
}

func TestSubChannel_Lifecycle(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")

	sc, err := s.OpenSubChannel("files")
	require.NoError(t, err)

	assert.Equal(t, "files", sc.Label())
	assert.Same(t, s, sc.Session())
	assert.False(t, sc.IsOpen())

	rec := &channelRecorder{}
	sc.Subscribe(rec.record)

	assert.ErrorIs(t, sc.Send([]byte("early")), ErrChannelClosed)

	fc := conn.lastChannel()
	fc.open()

	assert.True(t, sc.IsOpen())
	require.NoError(t, sc.Send([]byte{1, 2, 3}))
	require.NoError(t, sc.SendText("hello"))
	assert.Equal(t, [][]byte{{1, 2, 3}, []byte("hello")}, fc.sentFrames())

	fc.receive("pong")

	require.NoError(t, sc.Close())

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, waitFor, tick)

	assert.False(t, sc.IsOpen())
	assert.Equal(t, []ChannelEvent{
		ChannelOpened{},
		ChannelMessage{Data: []byte("pong"), IsString: true},
		ChannelClosed{},
	}, rec.snapshot())

	_, err = s.SubChannel("files")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, sc.Send([]byte("late")), ErrChannelClosed)
	assert.ErrorIs(t, sc.SendText("late"), ErrChannelClosed)
	assert.Zero(t, sc.BufferedAmount())

	// Closing again neither touches the engine nor fires another event.
	require.NoError(t, sc.Close())
	assert.Equal(t, 1, fc.closeCount())
	assert.Len(t, rec.snapshot(), 3)

	// A late open from the engine does not resurrect the channel.
	fc.open()
	assert.False(t, sc.IsOpen())
}

func TestSubChannel_ReopenedLabelIsNewInstance(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")

	first, err := s.OpenSubChannel("chat")
	require.NoError(t, err)

	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		_, err := s.SubChannel("chat")
		return err != nil
	}, waitFor, tick)

	second, err := s.OpenSubChannel("chat")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	got, err := s.SubChannel("chat")
	require.NoError(t, err)
	assert.Same(t, second, got)

	conn.lastChannel().open()
	assert.True(t, second.IsOpen())
	assert.False(t, first.IsOpen())
}

func TestSubChannel_DuplicateLabel(t *testing.T) {
	s, _, _ := newTestSession(t, "A", "B")

	_, err := s.OpenSubChannel("chat")
	require.NoError(t, err)

	_, err = s.OpenSubChannel("chat")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.OpenSubChannel("video")
	require.NoError(t, err)

	assert.Len(t, s.SubChannels(), 2)
}

func TestSubChannel_Incoming(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")

	var incoming []*SubChannel
	s.Subscribe(func(ev SessionEvent) {
		if e, ok := ev.(IncomingSubChannel); ok {
			incoming = append(incoming, e.Channel)
		}
	})

	fc := newFakeChannel("remote")
	conn.onDataChannel(fc)

	require.Len(t, incoming, 1)
	assert.Equal(t, "remote", incoming[0].Label())

	got, err := s.SubChannel("remote")
	require.NoError(t, err)
	assert.Same(t, incoming[0], got)

	rec := &channelRecorder{}
	got.Subscribe(rec.record)

	fc.open()
	fc.receive("hi")

	assert.Equal(t, []ChannelEvent{
		ChannelOpened{},
		ChannelMessage{Data: []byte("hi"), IsString: true},
	}, rec.snapshot())
}

func TestSubChannel_IncomingAlreadyOpen(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")

	fc := newFakeChannel("ready")
	fc.state = webrtc.DataChannelStateOpen

	conn.onDataChannel(fc)

	sc, err := s.SubChannel("ready")
	require.NoError(t, err)
	assert.True(t, sc.IsOpen())
	require.NoError(t, sc.SendText("x"))
}

func TestSubChannel_IncomingReplacesSameLabel(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")

	older, err := s.OpenSubChannel("chat")
	require.NoError(t, err)

	conn.onDataChannel(newFakeChannel("chat"))

	newer, err := s.SubChannel("chat")
	require.NoError(t, err)
	assert.NotSame(t, older, newer)

	// The replaced instance closing must not evict its successor.
	require.NoError(t, older.Close())
	older.onClose()

	got, err := s.SubChannel("chat")
	require.NoError(t, err)
	assert.Same(t, newer, got)
}

func TestSubChannel_IncomingOnClosedSessionIsRejected(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")
	require.NoError(t, s.Close())

	fc := newFakeChannel("late")
	conn.onDataChannel(fc)

	assert.Equal(t, 1, fc.closeCount())
	assert.Empty(t, s.SubChannels())
}

func TestSubChannel_FanOutAndUnsubscribe(t *testing.T) {
	s, conn, _ := newTestSession(t, "A", "B")

	sc, err := s.OpenSubChannel("chat")
	require.NoError(t, err)

	first, second := &channelRecorder{}, &channelRecorder{}
	sc.Subscribe(first.record)
	unsubscribe := sc.Subscribe(second.record)

	fc := conn.lastChannel()
	fc.open()

	unsubscribe()
	unsubscribe()

	fc.receive("one")

	assert.Len(t, first.snapshot(), 2)
	assert.Equal(t, []ChannelEvent{ChannelOpened{}}, second.snapshot())
}
