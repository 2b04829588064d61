// Package client keeps a local replica of a shared document in step with the sync server.
//
// A Link owns the websocket and its reconnect loop. SceneController and RecordsReplica sit on
// top of a Link and implement the optimistic editing rules of each document flavor.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/colab/pkg/protocol"
)

const (
	defaultReconnectDelay = time.Second
	writeWait             = 10 * time.Second
)

// ErrNotSynced is returned for outbound messages while the link is not synced. Nothing is queued.
var ErrNotSynced = errors.New("link is not synced")

// State is the connection state of a Link.
type State int

const (
	Disconnected State = iota
	Connecting
	AuthPending
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AuthPending:
		return "auth-pending"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is what the controllers need from a Link.
type Transport interface {
	Start()
	Send(msg protocol.Message) error
	State() State
	Close()
}

// LinkOptions configures a Link. When Credential is set the link authenticates for RoomID right
// after the socket opens and only reports Synced once the server acknowledges.
type LinkOptions struct {
	URL            string
	Credential     string
	RoomID         string
	ReconnectDelay time.Duration
	Clock          Clock
	Dialer         *websocket.Dialer

	OnMessage func(protocol.Message)
	OnState   func(State)
}

// Link is a self-healing websocket to the sync server. After any failure it schedules exactly one
// reconnect after a fixed delay and keeps doing so until Close.
type Link struct {
	opts LinkOptions

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	reconnect Timer
	started   bool
	closed    bool

	writeMu sync.Mutex
}

// NewLink returns an idle link. Call Start to connect.
func NewLink(opts LinkOptions) *Link {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Link{opts: opts}
}

// Start connects in the background. Calling it more than once has no effect.
func (l *Link) Start() {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.connect()
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Send writes msg if the link is synced.
func (l *Link) Send(msg protocol.Message) error {
	l.mu.Lock()
	ws, state := l.ws, l.state
	l.mu.Unlock()
	if state != Synced || ws == nil {
		return ErrNotSynced
	}
	return l.write(ws, msg)
}

func (l *Link) write(ws *websocket.Conn, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = ws.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close stops reconnecting and closes the socket.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	stopTimer(l.reconnect)
	l.reconnect = nil
	ws := l.ws
	l.ws = nil
	changed := l.state != Disconnected
	l.state = Disconnected
	l.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if changed {
		l.notify(Disconnected)
	}
}

func (l *Link) setState(s State) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.state = s
	l.mu.Unlock()
	l.notify(s)
	return true
}

func (l *Link) notify(s State) {
	slog.Debug("link state", "url", l.opts.URL, "state", s.String())
	if l.opts.OnState != nil {
		l.opts.OnState(s)
	}
}

func (l *Link) connect() {
	if !l.setState(Connecting) {
		return
	}
	ws, _, err := l.opts.Dialer.Dial(l.opts.URL, nil)
	if err != nil {
		slog.Warn("failed to dial", "url", l.opts.URL, "err", err)
		l.disconnected(nil)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ws.Close()
		return
	}
	l.ws = ws
	l.mu.Unlock()

	if l.opts.Credential != "" {
		l.setState(AuthPending)
		if err := l.write(ws, protocol.Message{Type: protocol.TypeAuth, Credential: l.opts.Credential, RoomID: l.opts.RoomID}); err != nil {
			slog.Warn("failed to authenticate", "url", l.opts.URL, "err", err)
			l.disconnected(ws)
			return
		}
	} else {
		l.setState(Synced)
	}

	l.readLoop(ws)
	l.disconnected(ws)
}

// readLoop delivers inbound messages in arrival order until the socket fails.
func (l *Link) readLoop(ws *websocket.Conn) {
	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				slog.Warn("server rejected link", "url", l.opts.URL, "err", err)
			} else {
				slog.Debug("link read failed", "url", l.opts.URL, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			slog.Debug("dropping malformed message", "url", l.opts.URL, "err", err)
			continue
		}
		if msg.Type == protocol.TypeAuthAck && l.State() == AuthPending {
			l.setState(Synced)
		}
		if l.opts.OnMessage != nil {
			l.opts.OnMessage(msg)
		}
	}
}

// disconnected clears ws and schedules the next attempt.
func (l *Link) disconnected(ws *websocket.Conn) {
	if ws != nil {
		_ = ws.Close()
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if ws == nil || l.ws == ws {
		l.ws = nil
	}
	l.state = Disconnected
	stopTimer(l.reconnect)
	l.reconnect = l.opts.Clock.AfterFunc(l.opts.ReconnectDelay, func() {
		go l.connect()
	})
	l.mu.Unlock()
	l.notify(Disconnected)
}
