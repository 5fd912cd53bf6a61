// Package fabric implements the realtime core of the space channel: the
// websocket connection wrapper, the process-wide router registry, the
// per-space broadcaster with its fan-out loop, and the per-connection
// parser state machine.
package fabric

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/longregen/metaspace/protocol"
)

const writeTimeout = 10 * time.Second

// WSConn wraps a gorilla websocket connection behind protocol.Conn.
// Writes are serialized with a mutex because fan-out, direct replies and
// point-to-point relays all target the same socket.
type WSConn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{
		id: "conn_" + gonanoid.Must(12),
		ws: ws,
	}
}

func (c *WSConn) ID() string {
	return c.id
}

// ReadText blocks for the next inbound text frame. Non-text frames are
// skipped.
func (c *WSConn) ReadText() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *WSConn) SendText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *WSConn) SendEvent(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.SendText(data)
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}
