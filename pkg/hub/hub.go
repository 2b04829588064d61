// Package hub tracks the rooms of one server process and fans room events out to their members.
//
// Each Room is a self-contained aggregate: it owns its document and the handles of the
// connections joined to it, so delivery never filters a process-wide connection list.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/colab/pkg/store"
)

// SharedRoom is the well-known room every records connection joins on admission.
const SharedRoom = "shared"

var ErrFlavorMismatch = errors.New("room holds a different document flavor")

// Loader returns the last durable encoding of a room. ok is false when the room was never saved.
type Loader interface {
	LoadDocument(ctx context.Context, key string) (raw []byte, ok bool, err error)
}

// Registry creates rooms lazily and keeps them for the life of the process.
type Registry struct {
	loader  Loader
	docOpts []store.Option

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry returns an empty registry. loader may be nil, in which case rooms always start empty.
func NewRegistry(loader Loader, docOpts ...store.Option) *Registry {
	return &Registry{
		loader:  loader,
		docOpts: docOpts,
		rooms:   make(map[string]*Room),
	}
}

// Room returns the room for key, creating it on first use. A newly created room is seeded from
// the loader when a durable copy exists. SharedRoom only ever holds records.
func (g *Registry) Room(ctx context.Context, key string, flavor store.Flavor) (*Room, error) {
	if key == SharedRoom && flavor != store.FlavorRecords {
		return nil, fmt.Errorf("%w: %s is reserved for %s", ErrFlavorMismatch, key, store.FlavorRecords)
	}
	if room, ok := g.Lookup(key); ok {
		return checkFlavor(room, flavor)
	}

	// the loader may do I/O, so other rooms stay reachable while this one seeds
	doc, err := g.seed(ctx, key, flavor)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[key]; ok {
		return checkFlavor(room, flavor)
	}
	room := newRoom(key, doc)
	g.rooms[key] = room
	slog.Info("room created", "room", key, "flavor", flavor, "records", doc.Len())
	return room, nil
}

func checkFlavor(room *Room, flavor store.Flavor) (*Room, error) {
	if room.Flavor() != flavor {
		return nil, fmt.Errorf("%w: %s is %s", ErrFlavorMismatch, room.Key(), room.Flavor())
	}
	return room, nil
}

func (g *Registry) seed(ctx context.Context, key string, flavor store.Flavor) (*store.Document, error) {
	if g.loader == nil {
		return store.New(flavor, g.docOpts...), nil
	}
	raw, ok, err := g.loader.LoadDocument(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", key, err)
	} else if !ok {
		return store.New(flavor, g.docOpts...), nil
	}
	doc, err := store.Load(raw, g.docOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", key, err)
	}
	if doc.Flavor() != flavor {
		return nil, fmt.Errorf("%w: %s is %s", ErrFlavorMismatch, key, doc.Flavor())
	}
	return doc, nil
}

// Lookup returns an existing room without creating it.
func (g *Registry) Lookup(key string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[key]
	return room, ok
}

// Rooms returns every live room ordered by key.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].key < out[j].key
	})
	return out
}
