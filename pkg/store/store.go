// Package store holds the authoritative in-memory state of one shared document.
//
// A Document is not safe for concurrent use. The room that owns it serializes every mutation and
// snapshot read, which is what guarantees that a snapshot never observes a half-applied change.
package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/colab/pkg/protocol"
)

// Flavor selects which edit style a document accepts. The two styles are never mixed in one document.
type Flavor string

const (
	// FlavorRecords documents hold discrete records mutated by CREATE, UPDATE and DELETE.
	FlavorRecords Flavor = "records"
	// FlavorScene documents hold one opaque payload replaced wholesale by REPLACE.
	FlavorScene Flavor = "scene"
)

var emptyScene = json.RawMessage(`{}`)

// IDGenerator returns a fresh record identifier. It must never return an id twice for one document.
type IDGenerator func() string

// Document is the ground-truth state of one room.
type Document struct {
	flavor  Flavor
	newID   IDGenerator
	order   []string
	records map[string]protocol.Record
	// used holds every id ever stored so deleted ids are never handed out again.
	used  map[string]struct{}
	scene json.RawMessage
}

// Option configures a Document at construction.
type Option func(*Document)

// WithIDGenerator overrides the default ULID generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(d *Document) {
		d.newID = gen
	}
}

// New returns an empty document of the given flavor.
func New(flavor Flavor, opts ...Option) *Document {
	d := &Document{
		flavor:  flavor,
		newID:   NewULIDGenerator(),
		records: make(map[string]protocol.Record),
		used:    make(map[string]struct{}),
		scene:   emptyScene,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Flavor returns the edit style of the document.
func (d *Document) Flavor() Flavor {
	return d.flavor
}

// Len returns the number of records.
func (d *Document) Len() int {
	return len(d.order)
}

// Create stores a new record. Blank titles are ignored, as are client supplied ids that were
// already used in this document.
func (d *Document) Create(record protocol.Record) (protocol.Record, bool) {
	title := strings.TrimSpace(record.Title)
	if title == "" {
		return protocol.Record{}, false
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = d.freshID()
	}
	if _, exists := d.used[id]; exists {
		return protocol.Record{}, false
	}
	stored := protocol.Record{ID: id, Title: title}
	d.used[id] = struct{}{}
	d.records[id] = stored
	d.order = append(d.order, id)
	return stored, true
}

// freshID skips generated ids that a loaded document already used.
func (d *Document) freshID() string {
	id := d.newID()
	for attempt := 0; attempt < 64; attempt++ {
		if _, exists := d.used[id]; !exists {
			break
		}
		id = d.newID()
	}
	return id
}

// Update overwrites the fields of an existing record. Unknown ids and blank titles are ignored.
func (d *Document) Update(id string, patch protocol.Record) (protocol.Record, bool) {
	title := strings.TrimSpace(patch.Title)
	if title == "" {
		return protocol.Record{}, false
	}
	record, ok := d.records[id]
	if !ok {
		return protocol.Record{}, false
	}
	record.Title = title
	d.records[id] = record
	return record, true
}

// Delete removes a record. Unknown ids are ignored.
func (d *Document) Delete(id string) bool {
	if _, ok := d.records[id]; !ok {
		return false
	}
	delete(d.records, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Replace installs payload as the whole scene. The last replace applied wins; nothing is merged.
func (d *Document) Replace(payload json.RawMessage) bool {
	if !protocol.IsObject(payload) {
		return false
	}
	d.scene = append(json.RawMessage(nil), protocol.Compact(payload)...)
	return true
}

// Records returns a copy of the records in insertion order.
func (d *Document) Records() []protocol.Record {
	out := make([]protocol.Record, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.records[id])
	}
	return out
}

// Scene returns a copy of the scene payload.
func (d *Document) Scene() json.RawMessage {
	return append(json.RawMessage(nil), d.scene...)
}

// Snapshot returns the full-state message matching the document flavor.
func (d *Document) Snapshot() protocol.Message {
	if d.flavor == FlavorScene {
		return protocol.SceneSnapshot(d.Scene())
	}
	return protocol.Snapshot(d.Records())
}

type encodedDocument struct {
	Flavor  Flavor            `json:"flavor"`
	Records []protocol.Record `json:"records,omitempty"`
	Scene   json.RawMessage   `json:"scene,omitempty"`
}

// MarshalJSON encodes the document for durable storage.
func (d *Document) MarshalJSON() ([]byte, error) {
	enc := encodedDocument{Flavor: d.flavor}
	if d.flavor == FlavorScene {
		enc.Scene = d.scene
	} else {
		enc.Records = d.Records()
	}
	return json.Marshal(enc)
}

// Load rebuilds a document from its durable encoding.
func Load(raw []byte, opts ...Option) (*Document, error) {
	var enc encodedDocument
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	switch enc.Flavor {
	case FlavorRecords, FlavorScene:
	default:
		return nil, fmt.Errorf("failed to decode document: unknown flavor %q", enc.Flavor)
	}
	d := New(enc.Flavor, opts...)
	for _, record := range enc.Records {
		d.Create(record)
	}
	if len(enc.Scene) > 0 && !d.Replace(enc.Scene) {
		return nil, fmt.Errorf("failed to decode document: scene is not an object")
	}
	return d, nil
}

// NewULIDGenerator returns a generator of monotonic ULIDs drawn from crypto/rand.
func NewULIDGenerator() IDGenerator {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}

// NewSequenceGenerator returns a generator of prefix1, prefix2, ... for deterministic ids.
func NewSequenceGenerator(prefix string) IDGenerator {
	var mu sync.Mutex
	next := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("%s%d", prefix, next)
	}
}
