package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8192
	sendBufferSize = 64
)

// Conn wraps a websocket connection. The room is fixed at handshake time
// and never changes for the life of the connection; email is set only
// when the handshake carried a valid token. All writes go through a
// single writer goroutine feeding off the send channel.
type Conn struct {
	id    string
	room  string
	email string

	ws   *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	senderID string

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(ws *websocket.Conn, room, email string) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		room:  room,
		email: email,
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}
}

func (c *Conn) ID() string    { return c.id }
func (c *Conn) Room() string  { return c.room }
func (c *Conn) Email() string { return c.email }

// SetSenderID records the last claimed sender id so moderation events can
// be scoped away from the limited user's connections.
func (c *Conn) SetSenderID(id string) {
	c.mu.Lock()
	c.senderID = id
	c.mu.Unlock()
}

func (c *Conn) SenderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderID
}

// push queues a frame for delivery. Delivery is best-effort: a member
// whose buffer is full simply misses the frame and catches up from the
// backlog on reconnect.
func (c *Conn) push(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) configureRead() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Conn) readFrame() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
