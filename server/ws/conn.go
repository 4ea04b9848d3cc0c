package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

var errConnClosed = errors.New("ws: connection closed")

// Conn wraps a websocket connection as a chat delivery channel. Writes are
// serialized because the pacer and the orchestrator send concurrently;
// gorilla/websocket allows only one writer at a time.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws}
	c.connected.Store(true)
	return c
}

// Send writes one JSON frame. The first failed write marks the connection
// dead; later sends fail fast without touching the socket.
func (c *Conn) Send(v any) error {
	if !c.connected.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		c.connected.Store(false)
		return err
	}
	return nil
}

// Connected reports whether the transport is still usable.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

func (c *Conn) close() {
	c.connected.Store(false)
	_ = c.ws.Close()
}
