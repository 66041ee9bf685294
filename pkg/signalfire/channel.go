package signalfire

import (
	"sync"

	"signal-fire/pkg/peer"

	"github.com/pion/webrtc/v3"
)

// SubChannel is one data channel of a session. Once closed it stays closed;
// opening the same label again yields a new SubChannel.
type SubChannel struct {
	label   string
	session *Session

	mu      sync.Mutex
	open    bool
	channel peer.Channel

	events observers[ChannelEvent]
}

func newSubChannel(session *Session, channel peer.Channel) *SubChannel {
	sc := &SubChannel{
		label:   channel.Label(),
		session: session,
		open:    channel.ReadyState() == webrtc.DataChannelStateOpen,
		channel: channel,
	}

	channel.OnOpen(sc.onOpen)
	channel.OnClose(sc.onClose)
	channel.OnMessage(sc.onMessage)

	return sc
}

func (c *SubChannel) Label() string {
	return c.label
}

func (c *SubChannel) Session() *Session {
	return c.session
}

func (c *SubChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open
}

// BufferedAmount is the number of bytes queued but not yet sent.
func (c *SubChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()

	if channel == nil {
		return 0
	}

	return channel.BufferedAmount()
}

func (c *SubChannel) Subscribe(h func(ChannelEvent)) (unsubscribe func()) {
	return c.events.subscribe(h)
}

func (c *SubChannel) Send(data []byte) error {
	channel, err := c.openChannel()
	if err != nil {
		return err
	}

	return channel.Send(data)
}

func (c *SubChannel) SendText(text string) error {
	channel, err := c.openChannel()
	if err != nil {
		return err
	}

	return channel.SendText(text)
}

func (c *SubChannel) openChannel() (peer.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.channel == nil {
		return nil, ErrChannelClosed
	}

	return c.channel, nil
}

// Close asks the engine to close the channel. ChannelClosed follows once the
// engine confirms; closing an already closed channel does nothing.
func (c *SubChannel) Close() error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()

	if channel == nil {
		return nil
	}

	return channel.Close()
}

func (c *SubChannel) onOpen() {
	c.mu.Lock()
	if c.open || c.channel == nil {
		c.mu.Unlock()

		return
	}
	c.open = true
	c.mu.Unlock()

	c.session.log.Debugf("sub-channel %q open", c.label)
	c.events.emit(ChannelOpened{})
}

func (c *SubChannel) onClose() {
	c.mu.Lock()
	if c.channel == nil {
		c.mu.Unlock()

		return
	}
	c.open = false
	c.channel = nil
	c.mu.Unlock()

	c.session.dropSubChannel(c)

	c.session.log.Debugf("sub-channel %q closed", c.label)
	c.events.emit(ChannelClosed{})
}

func (c *SubChannel) onMessage(msg webrtc.DataChannelMessage) {
	// pion reuses its read buffer.
	data := append([]byte(nil), msg.Data...)

	c.events.emit(ChannelMessage{Data: data, IsString: msg.IsString})
}
