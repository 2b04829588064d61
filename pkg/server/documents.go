package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/astromechza/colab/pkg/hub"
	"github.com/astromechza/colab/pkg/persist"
	"github.com/astromechza/colab/pkg/protocol"
	"github.com/astromechza/colab/pkg/store"
)

// SaveResponse acknowledges a durable write.
type SaveResponse struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"savedAt"`
}

// LoadResponse carries the current copy of a scene document.
type LoadResponse struct {
	ID       string          `json:"id"`
	Document json.RawMessage `json:"document"`
	SavedAt  *time.Time      `json:"savedAt,omitempty"`
}

func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) authorize(writer http.ResponseWriter, request *http.Request, id string) bool {
	if _, err := s.authenticator.Authenticate(request.Context(), bearerToken(request), id); err != nil {
		slog.Info("rejected document request", "id", id, "err", err)
		writer.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

// saveDocument is the durable fallback path: the posted scene replaces the live room state, is
// fanned out to any joined members and is written to the database before responding.
func (s *Server) saveDocument(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	if !s.authorize(writer, request, id) || !sceneID(writer, id) {
		return
	}
	if s.store == nil {
		http.Error(writer, "durable storage is not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(request.Body, maxMessageBytes+1))
	if err != nil {
		slog.Error("failed to read body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > maxMessageBytes || !protocol.IsObject(body) {
		http.Error(writer, "document must be a JSON object", http.StatusBadRequest)
		return
	}

	room, err := s.registry.Room(request.Context(), id, store.FlavorScene)
	if err != nil {
		writeRoomError(writer, err)
		return
	}
	room.Apply(protocol.Message{Type: protocol.TypeReplace, Document: body})

	savedAt, err := s.persistRoom(request.Context(), room)
	if err != nil {
		slog.Error("failed to persist document", "id", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, SaveResponse{ID: id, SavedAt: savedAt})
}

// loadDocument returns the live room state when the room is open, otherwise the last durable copy.
func (s *Server) loadDocument(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	if !s.authorize(writer, request, id) || !sceneID(writer, id) {
		return
	}

	if room, ok := s.registry.Lookup(id); ok {
		if room.Flavor() != store.FlavorScene {
			http.Error(writer, "not a scene document", http.StatusConflict)
			return
		}
		writeJSON(writer, http.StatusOK, LoadResponse{ID: id, Document: room.Snapshot().Document})
		return
	}
	if s.store == nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}

	saved, err := s.store.Load(request.Context(), id)
	if errors.Is(err, persist.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		slog.Error("failed to load document", "id", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	doc, err := store.Load(saved.Content)
	if err != nil {
		slog.Error("failed to decode document", "id", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if doc.Flavor() != store.FlavorScene {
		http.Error(writer, "not a scene document", http.StatusConflict)
		return
	}
	writeJSON(writer, http.StatusOK, LoadResponse{ID: id, Document: doc.Scene(), SavedAt: &saved.SavedAt})
}

// sceneID refuses the records room, which is never addressed as a scene.
func sceneID(writer http.ResponseWriter, id string) bool {
	if id == hub.SharedRoom {
		http.Error(writer, "not a scene document", http.StatusConflict)
		return false
	}
	return true
}

func writeRoomError(writer http.ResponseWriter, err error) {
	if errors.Is(err, hub.ErrFlavorMismatch) {
		http.Error(writer, "not a scene document", http.StatusConflict)
		return
	}
	slog.Error("failed to open room", "err", err)
	writer.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

// persistRoom writes the room if it changed since its last durable write.
func (s *Server) persistRoom(ctx context.Context, room *hub.Room) (time.Time, error) {
	savedAt, dirty, err := room.Persist(ctx, s.store.Save)
	if err != nil {
		return time.Time{}, err
	}
	if !dirty {
		return time.Now().UTC(), nil
	}
	return savedAt, nil
}

// backupContinuously flushes changed rooms on a fixed interval until ctx ends.
func (s *Server) backupContinuously(ctx context.Context) {
	if s.store == nil {
		return
	}
	t := time.NewTicker(s.backupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.backup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) backup(ctx context.Context) {
	if s.store == nil {
		return
	}
	for _, room := range s.registry.Rooms() {
		if _, err := s.persistRoom(ctx, room); err != nil {
			slog.Error("failed to back up room", "room", room.Key(), "err", err)
		}
	}
}
