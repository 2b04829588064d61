package client

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/colab/pkg/protocol"
)

// RecordsOptions configures a RecordsReplica.
type RecordsOptions struct {
	URL            string
	Transport      Transport
	Dialer         *websocket.Dialer
	Clock          Clock
	ReconnectDelay time.Duration
	OnChange       func([]protocol.Record)
	OnMembers      func(int)
}

// RecordsReplica mirrors the shared records room. Server events are applied idempotently.
// Updates and deletes show locally before the server echoes them; creates wait for the echo
// because the server assigns the id.
type RecordsReplica struct {
	transport Transport
	onChange  func([]protocol.Record)
	onMembers func(int)

	mu      sync.Mutex
	order   []string
	records map[string]protocol.Record
	members int
}

// NewRecordsReplica builds an empty replica. Call Start to connect.
func NewRecordsReplica(opts RecordsOptions) *RecordsReplica {
	r := &RecordsReplica{
		onChange:  opts.OnChange,
		onMembers: opts.OnMembers,
		records:   make(map[string]protocol.Record),
	}
	r.transport = opts.Transport
	if r.transport == nil {
		r.transport = NewLink(LinkOptions{
			URL:            opts.URL,
			ReconnectDelay: opts.ReconnectDelay,
			Clock:          opts.Clock,
			Dialer:         opts.Dialer,
			OnMessage:      r.handle,
		})
	}
	return r
}

func (r *RecordsReplica) Start() {
	r.transport.Start()
}

func (r *RecordsReplica) Close() {
	r.transport.Close()
}

func (r *RecordsReplica) State() State {
	return r.transport.State()
}

// Records returns the replica contents in order.
func (r *RecordsReplica) Records() []protocol.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordsLocked()
}

// Members returns the last member count reported by the room.
func (r *RecordsReplica) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members
}

// Create asks the server to add a record titled title.
func (r *RecordsReplica) Create(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is required", protocol.ErrValidation)
	}
	return r.transport.Send(protocol.Message{Type: protocol.TypeCreate, Title: title})
}

// Update retitles id locally and then on the server. If the send fails the local change stands
// until the next snapshot.
func (r *RecordsReplica) Update(id string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is required", protocol.ErrValidation)
	}
	if r.transport.State() != Synced {
		return ErrNotSynced
	}
	r.mutate(func() bool {
		return r.putLocked(protocol.Record{ID: id, Title: title}, false)
	})
	return r.transport.Send(protocol.Message{Type: protocol.TypeUpdate, ID: id, Title: title})
}

// Delete removes id locally and then on the server.
func (r *RecordsReplica) Delete(id string) error {
	if r.transport.State() != Synced {
		return ErrNotSynced
	}
	r.mutate(func() bool {
		return r.removeLocked(id)
	})
	return r.transport.Send(protocol.Message{Type: protocol.TypeDelete, ID: id})
}

func (r *RecordsReplica) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSnapshot:
		r.mutate(func() bool {
			r.order = r.order[:0]
			r.records = make(map[string]protocol.Record, len(msg.Records))
			for _, record := range msg.Records {
				r.putLocked(record, true)
			}
			return true
		})
	case protocol.TypeCreated, protocol.TypeUpdated:
		if msg.Record == nil {
			return
		}
		record := *msg.Record
		r.mutate(func() bool {
			return r.putLocked(record, true)
		})
	case protocol.TypeDeleted:
		r.mutate(func() bool {
			return r.removeLocked(msg.ID)
		})
	case protocol.TypeMemberCount:
		r.mu.Lock()
		r.members = msg.Count
		r.mu.Unlock()
		if r.onMembers != nil {
			r.onMembers(msg.Count)
		}
	}
}

// mutate runs f under the lock and reports the new contents when f changed anything.
func (r *RecordsReplica) mutate(f func() bool) {
	r.mu.Lock()
	changed := f()
	var snapshot []protocol.Record
	if changed && r.onChange != nil {
		snapshot = r.recordsLocked()
	}
	r.mu.Unlock()
	if snapshot != nil {
		r.onChange(snapshot)
	}
}

// putLocked stores record. Unknown ids are appended only when insert is set.
func (r *RecordsReplica) putLocked(record protocol.Record, insert bool) bool {
	existing, ok := r.records[record.ID]
	if !ok {
		if !insert {
			return false
		}
		r.order = append(r.order, record.ID)
	} else if existing == record {
		return false
	}
	r.records[record.ID] = record
	return true
}

func (r *RecordsReplica) removeLocked(id string) bool {
	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *RecordsReplica) recordsLocked() []protocol.Record {
	out := make([]protocol.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out
}
