package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/colab/pkg/protocol"
)

const (
	sendQueueSize   = 256
	writeWait       = 10 * time.Second
	maxMessageBytes = 1 << 20
)

// errInvalidAuth reports an AUTH frame that is missing its credential or room.
var errInvalidAuth = errors.New("invalid auth message")

type connState int

const (
	stateOpen connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// conn is one admitted websocket. It references its room only through the room's Member contract
// and never touches the document directly.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan protocol.Message
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	state   connState
	subject string
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(maxMessageBytes)
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan protocol.Message, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string {
	return c.id
}

// Enqueue hands msg to the writer without blocking. A full queue means the peer is not keeping up.
func (c *conn) Enqueue(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears the connection down. The read loop notices the closed socket and leaves the room.
func (c *conn) Close() {
	c.once.Do(func() {
		c.setState(stateClosed)
		close(c.done)
		_ = c.ws.Close()
	})
}

// reject sends a close frame with code and reason and closes the connection.
func (c *conn) reject(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.Close()
}

func (c *conn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// writePump is the only writer of data frames so frames leave in queue order.
func (c *conn) writePump() {
	for {
		select {
		case msg := <-c.send:
			raw, err := protocol.Encode(msg)
			if err != nil {
				slog.Error("failed to encode outbound message", "conn", c.id, "err", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				slog.Warn("failed to write message", "conn", c.id, "err", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readMessage returns the next decodable inbound message. Malformed frames are logged and skipped,
// except for an invalid AUTH which is returned as errInvalidAuth. Everything else returned is a
// transport error.
func (c *conn) readMessage() (protocol.Message, error) {
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			if msg.Type == protocol.TypeAuth {
				return msg, fmt.Errorf("%w: %v", errInvalidAuth, err)
			}
			slog.Debug("dropping malformed message", "conn", c.id, "err", err)
			continue
		}
		return msg, nil
	}
}

func (c *conn) logReadError(err error) {
	state := c.currentState().String()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		slog.Warn("connection read failed", "conn", c.id, "state", state, "err", err)
		return
	}
	slog.Debug("connection closed", "conn", c.id, "state", state, "err", err)
}
