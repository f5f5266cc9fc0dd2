package public

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpapenbr/tirewatch-backend-go/log"
)

// ping/pong handling so the server notices when a client goes away
const (
	writeWait  = 10 * time.Second
	pongDelay  = 90 * time.Second
	pingPeriod = 30 * time.Second
)

//nolint:gochecknoglobals // standard upgrader setup
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// cross-origin policy is enforced by the CORS middleware in front
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the hub's subscriber transport.
// The mutex keeps the hub writer goroutine and the ping sender apart.
type wsConn struct {
	mu     sync.Mutex
	socket *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	//nolint:errcheck // write errors surface on WriteMessage
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.socket.Close()
}

// handleLive upgrades the request and puts the connection into the broadcast
// rotation. The hub queues its connected handshake before any log record.
func (m *PublicManager) handleLive(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.l.Warn("websocket upgrade failed", log.ErrorField(err))
		return
	}
	conn := &wsConn{socket: socket}
	sub := m.hub.Register(conn)
	m.l.Debug("live subscriber connected",
		log.String("id", sub.ID()), log.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go m.pingLoop(conn, done)

	//nolint:errcheck // deadline errors surface on ReadMessage
	socket.SetReadDeadline(time.Now().Add(pongDelay))
	socket.SetPongHandler(func(string) error {
		//nolint:errcheck // dito
		socket.SetReadDeadline(time.Now().Add(pongDelay))
		return nil
	})
	// inbound frames are ignored, the read loop only tracks liveness
	for {
		if _, _, err := socket.ReadMessage(); err != nil {
			close(done)
			m.hub.Unregister(sub.ID())
			m.l.Debug("live subscriber disconnected",
				log.String("id", sub.ID()), log.ErrorField(err))
			return
		}
	}
}

func (m *PublicManager) pingLoop(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.socket.WriteControl(
				websocket.PingMessage, []byte{}, deadline); err != nil {
				// expected when the other end goes away
				return
			}
		}
	}
}
