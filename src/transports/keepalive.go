package transports

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// KeepaliveConfig bounds how long a silent peer can hold a call open
type KeepaliveConfig struct {
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64
}

// wsConn wraps a websocket with a ping loop and an idle read deadline that
// is pushed forward by every message and pong. Data writes are serialized;
// control frames use WriteControl, which gorilla allows concurrently.
type wsConn struct {
	conn    *websocket.Conn
	config  KeepaliveConfig
	writeMu sync.Mutex // Protect concurrent writes to WebSocket

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, config KeepaliveConfig) *wsConn {
	c := &wsConn{
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}

	if config.MaxMessageBytes > 0 {
		conn.SetReadLimit(config.MaxMessageBytes)
	}
	if config.IdleTimeout > 0 {
		c.extendDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendDeadline()
			return nil
		})
	}
	if config.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *wsConn) extendDeadline() {
	if c.config.IdleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err == nil {
		c.extendDeadline()
	}
	return messageType, data, err
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a best-effort close frame and closes the socket. Safe to call
// more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
