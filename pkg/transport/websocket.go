package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"signal-fire/pkg/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	closeGracePeriod        = time.Second
)

var ErrLinkClosed = errors.New("link closed")

type WebSocketConfig struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// MaxMessageBytes limits inbound frames; zero means unlimited.
	MaxMessageBytes int64
}

type WebSocketDialer struct {
	cfg WebSocketConfig
}

func NewWebSocketDialer(cfg WebSocketConfig) (*WebSocketDialer, error) {
	if len(cfg.URL) == 0 {
		return nil, errors.New("relay url is empty")
	}

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &WebSocketDialer{cfg: cfg}, nil
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Link, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.cfg.URL)
	}

	if d.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.cfg.MaxMessageBytes)
	}

	log.Debugf("relay link established: %s", d.cfg.URL)

	return NewWebSocket(conn, d.cfg.WriteTimeout), nil
}

// WebSocket is a Link over a gorilla websocket connection. Frames are sent as
// text messages since the relay speaks JSON.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMx   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) *WebSocket {
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &WebSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (w *WebSocket) Send(payload []byte) error {
	select {
	case <-w.closed:
		return ErrLinkClosed
	default:
	}

	w.writeMx.Lock()
	defer w.writeMx.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))

	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *WebSocket) Listen(ctx context.Context, onMessage func([]byte)) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-stop:
		}
	}()

	for {
		msgType, payload, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
				return nil
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}

			return errors.Wrap(err, "read relay frame")
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		onMessage(payload)
	}
}

func (w *WebSocket) Close() error {
	var err error

	w.closeOnce.Do(func() {
		close(w.closed)

		w.writeMx.Lock()
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		w.writeMx.Unlock()

		err = w.conn.Close()
	})

	return err
}
