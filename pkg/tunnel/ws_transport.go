package tunnel

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocol identifies this tunnel's websocket subprotocol. The dialer
// offers it and the upgrader selects it when the client offers it; neither
// side rejects a peer whose handshake does not negotiate it.
const wsSubprotocol = "tcptunnel.v1"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{wsSubprotocol},
}

// WSTransport implements Transport on top of a single *websocket.Conn. One
// WSTransport carries every tunnel sharing that connection; TunnelID
// filtering happens one level up, in the Proxy Engine.
type WSTransport struct {
	logger  Logger
	conn    *websocket.Conn
	inbox   chan []byte
	closeCh chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

// DialWS dials a remote tunnel peer over HTTP(S), upgrading to the
// tcptunnel websocket subprotocol, and returns a ready Transport.
func DialWS(logger Logger, url string, headers http.Header) (*WSTransport, error) {
	d := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{wsSubprotocol},
	}
	conn, _, err := d.Dial(url, headers)
	if err != nil {
		return nil, logger.Errorf("websocket dial failed: %s", err)
	}
	return newWSTransport(logger, conn), nil
}

// UpgradeWS upgrades an inbound HTTP request to the tcptunnel websocket
// subprotocol and returns a ready Transport. Intended for use from an
// http.Handler on the remote peer side.
func UpgradeWS(logger Logger, w http.ResponseWriter, r *http.Request) (*WSTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, logger.Errorf("websocket upgrade failed: %s", err)
	}
	return newWSTransport(logger, conn), nil
}

func newWSTransport(logger Logger, conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		logger:  logger,
		conn:    conn,
		inbox:   make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *WSTransport) readLoop() {
	defer close(t.inbox)
	defer t.Close()
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.logger.DLogf("read loop ending: %s", err)
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		select {
		case t.inbox <- data:
		case <-t.closeCh:
			return
		}
	}
}

// Send implements Transport. Writes are serialized: gorilla/websocket
// forbids concurrent writers on one *websocket.Conn.
func (t *WSTransport) Send(frame []byte) error {
	select {
	case <-t.closeCh:
		return ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Close()
		return ErrTransportClosed
	}
	return nil
}

// Incoming implements Transport.
func (t *WSTransport) Incoming() <-chan []byte {
	return t.inbox
}

// OnClose implements Transport.
func (t *WSTransport) OnClose() <-chan struct{} {
	return t.closeCh
}

// Close implements Transport. Idempotent.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closeCh)
		err = t.conn.Close()
	})
	return err
}
