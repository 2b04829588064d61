package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/colab/pkg/protocol"
	"github.com/astromechza/colab/pkg/store"
)

// Member is a joined connection as seen by a room. Enqueue must not block: a member that cannot
// take another message reports false and is evicted from the room.
type Member interface {
	ID() string
	Enqueue(msg protocol.Message) bool
	Close()
}

// Room owns one authoritative document and the connections joined to it.
//
// The room lock is held across validate, apply and enqueue so every member observes events in
// the order the room processed them, and so a joining member's snapshot is never torn.
type Room struct {
	key string

	mu      sync.Mutex
	doc     *store.Document
	members map[Member]struct{}
	version uint64
	saved   uint64

	// persistMu keeps durable writes of this room in version order.
	persistMu sync.Mutex
}

// SaveFunc writes the encoded document of room key durably and returns the write time.
type SaveFunc func(ctx context.Context, key string, raw []byte) (time.Time, error)

func newRoom(key string, doc *store.Document) *Room {
	return &Room{
		key:     key,
		doc:     doc,
		members: make(map[Member]struct{}),
	}
}

// Key returns the room key.
func (r *Room) Key() string {
	return r.key
}

// Flavor returns the edit style of the room's document.
func (r *Room) Flavor() store.Flavor {
	return r.doc.Flavor()
}

// Join admits m, sends it the full snapshot and broadcasts the new member count.
func (r *Room) Join(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m]; ok {
		return
	}
	r.members[m] = struct{}{}
	if !m.Enqueue(r.doc.Snapshot()) {
		r.evictLocked([]Member{m})
		return
	}
	slog.Info("member joined", "room", r.key, "member", m.ID(), "members", len(r.members))
	r.broadcastLocked(protocol.MemberCount(len(r.members)))
}

// Leave removes m and broadcasts the new member count. Leaving twice is harmless.
func (r *Room) Leave(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m]; !ok {
		return
	}
	delete(r.members, m)
	slog.Info("member left", "room", r.key, "member", m.ID(), "members", len(r.members))
	r.broadcastLocked(protocol.MemberCount(len(r.members)))
}

// Members returns the current member count.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Apply validates and applies one client mutation and fans the resulting event out to every
// member, the originator included. It reports false when the mutation was dropped.
func (r *Room) Apply(msg protocol.Message) (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.applyLocked(msg)
	if !ok {
		return protocol.Message{}, false
	}
	r.version++
	r.broadcastLocked(event)
	return event, true
}

func (r *Room) applyLocked(msg protocol.Message) (protocol.Message, bool) {
	flavor := r.doc.Flavor()
	switch msg.Type {
	case protocol.TypeCreate:
		if flavor != store.FlavorRecords {
			return protocol.Message{}, false
		}
		record, ok := r.doc.Create(protocol.Record{ID: msg.ID, Title: msg.Title})
		if !ok {
			return protocol.Message{}, false
		}
		return protocol.Message{Type: protocol.TypeCreated, Record: &record}, true
	case protocol.TypeUpdate:
		if flavor != store.FlavorRecords {
			return protocol.Message{}, false
		}
		record, ok := r.doc.Update(msg.ID, protocol.Record{Title: msg.Title})
		if !ok {
			return protocol.Message{}, false
		}
		return protocol.Message{Type: protocol.TypeUpdated, Record: &record}, true
	case protocol.TypeDelete:
		if flavor != store.FlavorRecords || !r.doc.Delete(msg.ID) {
			return protocol.Message{}, false
		}
		return protocol.Message{Type: protocol.TypeDeleted, ID: msg.ID}, true
	case protocol.TypeReplace:
		if flavor != store.FlavorScene || !r.doc.Replace(msg.Document) {
			return protocol.Message{}, false
		}
		return protocol.Message{Type: protocol.TypeReplaced, Document: r.doc.Scene()}, true
	}
	return protocol.Message{}, false
}

// Snapshot returns the full-state message of the document.
func (r *Room) Snapshot() protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Snapshot()
}

// Unsaved returns the encoded document and its version when it changed since the last MarkSaved.
func (r *Room) Unsaved() ([]byte, uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version == r.saved {
		return nil, r.version, false, nil
	}
	raw, err := json.Marshal(r.doc)
	if err != nil {
		return nil, r.version, false, fmt.Errorf("failed to encode room %s: %w", r.key, err)
	}
	return raw, r.version, true, nil
}

// MarkSaved records that the document at version is durable.
func (r *Room) MarkSaved(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.saved {
		r.saved = version
	}
}

// Persist writes the document through save if it changed since the last durable write. Persists
// of one room never overlap, so an older encoding cannot land after a newer one. dirty is false
// when there was nothing to write.
func (r *Room) Persist(ctx context.Context, save SaveFunc) (savedAt time.Time, dirty bool, err error) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	raw, version, dirty, err := r.Unsaved()
	if err != nil || !dirty {
		return time.Time{}, false, err
	}
	savedAt, err = save(ctx, r.key, raw)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("failed to persist room %s: %w", r.key, err)
	}
	r.MarkSaved(version)
	return savedAt, true, nil
}

func (r *Room) broadcastLocked(msg protocol.Message) {
	var dropped []Member
	for m := range r.members {
		if !m.Enqueue(msg) {
			dropped = append(dropped, m)
		}
	}
	if len(dropped) > 0 {
		r.evictLocked(dropped)
	}
}

func (r *Room) evictLocked(dropped []Member) {
	for _, m := range dropped {
		slog.Warn("evicting unresponsive member", "room", r.key, "member", m.ID())
		delete(r.members, m)
		m.Close()
	}
	r.broadcastLocked(protocol.MemberCount(len(r.members)))
}
