// Package server exposes rooms over websockets and the durable document REST surface.
//
// Records connections (/ws) join the shared room as soon as they are admitted. Document
// connections (/ws/documents) must complete an AUTH handshake first; anything else they send
// before that is dropped.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/colab/pkg/auth"
	"github.com/astromechza/colab/pkg/hub"
	"github.com/astromechza/colab/pkg/persist"
	"github.com/astromechza/colab/pkg/protocol"
	"github.com/astromechza/colab/pkg/store"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackupInterval   = 5 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
)

// Options wires the collaborators of a Server. Store may be nil, in which case nothing is durable
// and the REST save endpoint is unavailable.
type Options struct {
	Registry         *hub.Registry
	Store            *persist.Store
	Authenticator    auth.Authenticator
	HandshakeTimeout time.Duration
	BackupInterval   time.Duration
	ShutdownTimeout  time.Duration
}

// Server hosts the sync endpoints of one process.
type Server struct {
	registry         *hub.Registry
	store            *persist.Store
	authenticator    auth.Authenticator
	handshakeTimeout time.Duration
	backupInterval   time.Duration
	shutdownTimeout  time.Duration
	upgrader         websocket.Upgrader
	router           *mux.Router
}

// New builds a server from opts.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("room registry is required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.BackupInterval <= 0 {
		opts.BackupInterval = defaultBackupInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		registry:         opts.Registry,
		store:            opts.Store,
		authenticator:    opts.Authenticator,
		handshakeTimeout: opts.HandshakeTimeout,
		backupInterval:   opts.BackupInterval,
		shutdownTimeout:  opts.ShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.Use(accessLog)
	r.Methods(http.MethodGet).Path("/up").HandlerFunc(s.up)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveRecords)
	r.Methods(http.MethodGet).Path("/ws/documents").HandlerFunc(s.serveDocuments)
	r.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.loadDocument)
	r.Methods(http.MethodPut).Path("/documents/{id}").HandlerFunc(s.saveDocument)
	s.router = r
	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func accessLog(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) up(writer http.ResponseWriter, _ *http.Request) {
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write([]byte("OK"))
}

// serveRecords admits a connection straight into the shared records room.
func (s *Server) serveRecords(writer http.ResponseWriter, request *http.Request) {
	room, err := s.registry.Room(request.Context(), hub.SharedRoom, store.FlavorRecords)
	if err != nil {
		slog.Error("failed to open shared room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	c := newConn(ws)
	defer c.Close()
	go c.writePump()

	c.setState(stateJoined)
	room.Join(c)
	defer room.Leave(c)

	s.relay(c, room)
}

// serveDocuments admits an unauthenticated connection and waits for the AUTH handshake.
func (s *Server) serveDocuments(writer http.ResponseWriter, request *http.Request) {
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	c := newConn(ws)
	defer c.Close()
	go c.writePump()

	room, err := s.handshake(request.Context(), c)
	if err != nil {
		slog.Info("handshake failed", "conn", c.id, "err", err)
		c.reject(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	defer room.Leave(c)

	s.relay(c, room)
}

// handshake reads until a valid AUTH arrives or the deadline passes. On success the connection
// has been acknowledged and joined; the snapshot is queued right behind the ack.
func (s *Server) handshake(ctx context.Context, c *conn) (*hub.Room, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	for {
		msg, err := c.readMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read handshake: %w", err)
		}
		if msg.Type != protocol.TypeAuth {
			slog.Debug("dropping message before handshake", "conn", c.id, "type", msg.Type)
			continue
		}

		identity, err := s.authenticator.Authenticate(ctx, msg.Credential, msg.RoomID)
		if err != nil {
			return nil, err
		}
		room, err := s.registry.Room(ctx, msg.RoomID, store.FlavorScene)
		if err != nil {
			return nil, err
		}
		_ = c.ws.SetReadDeadline(time.Time{})

		c.mu.Lock()
		c.subject = identity.Subject
		c.mu.Unlock()
		c.setState(stateJoined)
		if !c.Enqueue(protocol.Message{Type: protocol.TypeAuthAck, RoomID: room.Key()}) {
			return nil, errors.New("connection closed during handshake")
		}
		room.Join(c)
		slog.Info("authenticated", "conn", c.id, "subject", identity.Subject, "room", room.Key())
		return room, nil
	}
}

// relay applies inbound mutations to room until the connection fails.
func (s *Server) relay(c *conn, room *hub.Room) {
	for {
		msg, err := c.readMessage()
		if errors.Is(err, errInvalidAuth) {
			continue
		} else if err != nil {
			c.logReadError(err)
			return
		}
		if c.currentState() != stateJoined {
			return
		}
		if msg.Type == protocol.TypeAuth {
			continue
		}
		if _, ok := room.Apply(msg); !ok {
			slog.Debug("mutation ignored", "conn", c.id, "subject", c.subject, "room", room.Key(), "type", msg.Type, "id", msg.ID)
		}
	}
}

// Run serves on addr until ctx ends, then shuts down and flushes unsaved rooms.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.backupContinuously(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	})
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.backup(flushCtx)
	return err
}
