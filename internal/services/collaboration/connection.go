package collaboration

import (
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

// DefaultSendBuffer is the number of outbound frames a connection may have
// queued before it is considered dead.
const DefaultSendBuffer = 256

// Connection is one live websocket watching one image. The hub owns it from
// Register until Unregister; only the hub closes the send queue.
type Connection struct {
	ID          string
	ResourceID  string
	UserID      string
	DisplayName string

	ws   *websocket.Conn
	send chan []byte
}

// NewConnection wraps ws with an outbound queue of bufferSize frames.
// ws may be nil for connections that are only read through Messages.
func NewConnection(ws *websocket.Conn, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	return &Connection{
		ID:   ksuid.New().String(),
		ws:   ws,
		send: make(chan []byte, bufferSize),
	}
}

// Messages exposes the outbound queue. It is closed when the hub drops the
// connection.
func (c *Connection) Messages() <-chan []byte {
	return c.send
}
