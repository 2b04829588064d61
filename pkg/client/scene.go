package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/colab/pkg/protocol"
)

const (
	defaultSendDelay = 350 * time.Millisecond
	defaultSaveDelay = 1200 * time.Millisecond
	saveTimeout      = 10 * time.Second
)

// Surface is the editor showing a scene. ApplyScene replaces what it shows; it may call
// SceneController.LocalChange from inside ApplyScene, and those calls are ignored.
type Surface interface {
	ApplyScene(document json.RawMessage)
}

// Saver is the durable fallback path for scenes.
type Saver interface {
	Save(ctx context.Context, id string, document json.RawMessage) error
	Load(ctx context.Context, id string) (json.RawMessage, bool, error)
}

// Cache keeps the last observed copy of each document locally.
type Cache interface {
	Get(id string) (json.RawMessage, bool, error)
	Put(id string, document json.RawMessage) error
}

// SceneOptions configures a SceneController. Transport is normally left nil and a Link to URL is
// created; Saver and Cache are optional.
type SceneOptions struct {
	URL            string
	DocumentID     string
	Credential     string
	Transport      Transport
	Dialer         *websocket.Dialer
	Saver          Saver
	Cache          Cache
	Clock          Clock
	SendDelay      time.Duration
	SaveDelay      time.Duration
	ReconnectDelay time.Duration
	OnMembers      func(int)
}

// SceneController reconciles a local editing surface with a scene room.
//
// Local edits are applied by the surface first and pushed as a whole-scene REPLACE after a
// short quiet period. While the link is down the latest scene is saved over REST instead. Remote
// scenes are applied under a guard so the surface's own change notifications never echo back.
type SceneController struct {
	id        string
	transport Transport
	saver     Saver
	cache     Cache
	clock     Clock
	sendDelay time.Duration
	saveDelay time.Duration
	onMembers func(int)

	mu          sync.Mutex
	surface     Surface
	latest      json.RawMessage
	lastSent    json.RawMessage
	lastRemote  json.RawMessage
	pending     json.RawMessage
	networkSeen bool
	applying    bool
	members     int
	sendTimer   Timer
	saveTimer   Timer
	release     Timer
	closed      bool
}

// NewSceneController builds a controller. Call Start to connect and Attach to bind the surface.
func NewSceneController(opts SceneOptions) *SceneController {
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.SendDelay <= 0 {
		opts.SendDelay = defaultSendDelay
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = defaultSaveDelay
	}
	c := &SceneController{
		id:        opts.DocumentID,
		saver:     opts.Saver,
		cache:     opts.Cache,
		clock:     opts.Clock,
		sendDelay: opts.SendDelay,
		saveDelay: opts.SaveDelay,
		onMembers: opts.OnMembers,
	}
	c.transport = opts.Transport
	if c.transport == nil {
		c.transport = NewLink(LinkOptions{
			URL:            opts.URL,
			Credential:     opts.Credential,
			RoomID:         opts.DocumentID,
			ReconnectDelay: opts.ReconnectDelay,
			Clock:          opts.Clock,
			Dialer:         opts.Dialer,
			OnMessage:      c.handle,
		})
	}
	return c
}

// Start seeds from the durable copy once and then connects. The network snapshot supersedes the
// seed whenever it arrives.
func (c *SceneController) Start(ctx context.Context) {
	if c.saver != nil {
		if doc, ok, err := c.saver.Load(ctx, c.id); err != nil {
			slog.Warn("failed to load durable copy", "doc", c.id, "err", err)
		} else if ok {
			c.seed(doc)
		}
	}
	c.transport.Start()
}

// Attach binds the surface. A buffered snapshot is applied straight away; failing that the local
// cache seeds the surface.
func (c *SceneController) Attach(surface Surface) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.surface = surface
	doc := c.pending
	c.pending = nil
	c.mu.Unlock()

	if doc != nil {
		c.applyRemote(doc, true)
		return
	}
	if c.cache == nil {
		return
	}
	cached, ok, err := c.cache.Get(c.id)
	if err != nil {
		slog.Warn("failed to read local cache", "doc", c.id, "err", err)
	} else if ok {
		c.applyRemote(cached, false)
	}
}

// LocalChange records an edit the surface has already applied.
func (c *SceneController) LocalChange(document json.RawMessage) {
	if !protocol.IsObject(document) {
		slog.Debug("ignoring non-object scene", "doc", c.id)
		return
	}
	doc := protocol.Compact(document)

	c.mu.Lock()
	if c.closed || c.applying {
		c.mu.Unlock()
		return
	}
	c.latest = doc
	stopTimer(c.sendTimer)
	c.sendTimer = c.clock.AfterFunc(c.sendDelay, c.flushSend)
	stopTimer(c.saveTimer)
	c.saveTimer = c.clock.AfterFunc(c.saveDelay, c.flushSave)
	c.mu.Unlock()

	c.remember(doc)
}

// Latest returns the most recent scene observed from either side.
func (c *SceneController) Latest() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(json.RawMessage(nil), c.latest...)
}

// Members returns the last member count reported by the room.
func (c *SceneController) Members() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members
}

// State returns the link state.
func (c *SceneController) State() State {
	return c.transport.State()
}

// Close cancels every pending timer and the link. Nothing is sent afterwards.
func (c *SceneController) Close() {
	c.mu.Lock()
	c.closed = true
	stopTimer(c.sendTimer)
	stopTimer(c.saveTimer)
	stopTimer(c.release)
	c.mu.Unlock()
	c.transport.Close()
}

func (c *SceneController) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSnapshot:
		c.mu.Lock()
		c.networkSeen = true
		c.mu.Unlock()
		c.applyRemote(msg.Document, true)
	case protocol.TypeReplaced:
		c.mu.Lock()
		own := c.lastSent != nil && bytes.Equal(c.lastSent, msg.Document)
		c.mu.Unlock()
		if own {
			return
		}
		c.applyRemote(msg.Document, true)
	case protocol.TypeMemberCount:
		c.mu.Lock()
		c.members = msg.Count
		c.mu.Unlock()
		if c.onMembers != nil {
			c.onMembers(msg.Count)
		}
	case protocol.TypeAuthAck:
		slog.Info("joined room", "doc", c.id, "room", msg.RoomID)
	}
}

// seed applies a pre-network copy unless the network has already spoken.
func (c *SceneController) seed(doc json.RawMessage) {
	c.mu.Lock()
	skip := c.networkSeen
	c.mu.Unlock()
	if !skip {
		c.applyRemote(doc, false)
	}
}

// applyRemote shows doc on the surface with the guard held until one tick after the surface
// returns. Without a surface the document waits in pending.
func (c *SceneController) applyRemote(doc json.RawMessage, fromNetwork bool) {
	if !protocol.IsObject(doc) {
		slog.Debug("dropping malformed scene", "doc", c.id)
		return
	}
	doc = protocol.Compact(doc)

	c.mu.Lock()
	if c.closed || (!fromNetwork && c.networkSeen) {
		c.mu.Unlock()
		return
	}
	c.latest = doc
	c.lastRemote = doc
	surface := c.surface
	if surface == nil {
		c.pending = doc
		c.mu.Unlock()
		c.remember(doc)
		return
	}
	c.applying = true
	stopTimer(c.release)
	c.mu.Unlock()

	surface.ApplyScene(doc)
	c.remember(doc)

	c.mu.Lock()
	if !c.closed {
		c.release = c.clock.AfterFunc(0, c.releaseGuard)
	}
	c.mu.Unlock()
}

func (c *SceneController) releaseGuard() {
	c.mu.Lock()
	c.applying = false
	c.mu.Unlock()
}

func (c *SceneController) remember(doc json.RawMessage) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(c.id, doc); err != nil {
		slog.Warn("failed to write local cache", "doc", c.id, "err", err)
	}
}

func (c *SceneController) flushSend() {
	c.mu.Lock()
	doc := c.latest
	if c.closed || doc == nil || bytes.Equal(doc, c.lastRemote) || c.transport.State() != Synced {
		c.mu.Unlock()
		return
	}
	c.lastSent = doc
	c.mu.Unlock()

	if err := c.transport.Send(protocol.Message{Type: protocol.TypeReplace, Document: doc}); err != nil {
		if errors.Is(err, ErrNotSynced) {
			slog.Debug("skipped send while not synced", "doc", c.id)
			return
		}
		slog.Warn("failed to send scene", "doc", c.id, "err", err)
	}
}

func (c *SceneController) flushSave() {
	c.mu.Lock()
	doc := c.latest
	if c.closed || doc == nil || c.saver == nil || c.transport.State() == Synced {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.saver.Save(ctx, c.id, doc); err != nil {
		slog.Warn("failed to save scene", "doc", c.id, "err", err)
		return
	}
	slog.Info("saved scene", "doc", c.id)
}
