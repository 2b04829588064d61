package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/colab/pkg/protocol"
	"github.com/astromechza/colab/pkg/store"
)

type fakeMember struct {
	id     string
	limit  int
	mu     sync.Mutex
	got    []protocol.Message
	closed bool
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id, limit: 1 << 20}
}

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Enqueue(msg protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.got) >= f.limit {
		return false
	}
	f.got = append(f.got, msg)
	return true
}

func (f *fakeMember) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMember) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.got...)
}

func (f *fakeMember) reset() {
	f.mu.Lock()
	f.got = nil
	f.mu.Unlock()
}

func (f *fakeMember) types() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.Type)
	}
	return out
}

func newRecordsRoom(t *testing.T) *Room {
	t.Helper()
	g := NewRegistry(nil, store.WithIDGenerator(store.NewSequenceGenerator("t")))
	room, err := g.Room(context.Background(), SharedRoom, store.FlavorRecords)
	assert.Equal(t, err, nil)
	return room
}

func TestJoinSendsSnapshotFirst(t *testing.T) {
	room := newRecordsRoom(t)
	a := newFakeMember("a")
	room.Join(a)
	room.Apply(protocol.Message{Type: protocol.TypeCreate, Title: "one"})

	b := newFakeMember("b")
	room.Join(b)

	got := b.messages()
	assert.Equal(t, got[0].Type, protocol.TypeSnapshot)
	assert.Equal(t, got[0].Records, []protocol.Record{{ID: "t1", Title: "one"}})
	assert.Equal(t, got[1], protocol.MemberCount(2))

	// The existing member saw its own create and the new count.
	assert.Equal(t, a.types(), []string{protocol.TypeSnapshot, protocol.TypeMemberCount, protocol.TypeCreated, protocol.TypeMemberCount})
	assert.Equal(t, room.Members(), 2)
}

func TestCreateBroadcastsToEveryMemberIncludingSender(t *testing.T) {
	room := newRecordsRoom(t)
	members := []*fakeMember{newFakeMember("x"), newFakeMember("y"), newFakeMember("z")}
	for _, m := range members {
		room.Join(m)
	}
	for _, m := range members {
		m.reset()
	}

	event, ok := room.Apply(protocol.Message{Type: protocol.TypeCreate, Title: "Buy milk"})
	assert.Equal(t, ok, true)
	assert.Equal(t, *event.Record, protocol.Record{ID: "t1", Title: "Buy milk"})

	for _, m := range members {
		got := m.messages()
		assert.Equal(t, len(got), 1)
		assert.Equal(t, got[0].Type, protocol.TypeCreated)
		assert.Equal(t, *got[0].Record, protocol.Record{ID: "t1", Title: "Buy milk"})
	}
}

func TestDroppedMutationsProduceNoEvent(t *testing.T) {
	room := newRecordsRoom(t)
	m := newFakeMember("m")
	room.Join(m)
	m.reset()

	for _, msg := range []protocol.Message{
		{Type: protocol.TypeUpdate, ID: "nope", Title: "x"},
		{Type: protocol.TypeDelete, ID: "nope"},
		{Type: protocol.TypeCreate, Title: "   "},
		{Type: protocol.TypeReplace, Document: json.RawMessage(`{"a":1}`)},
		{Type: protocol.TypeAuth, Credential: "c", RoomID: "r"},
	} {
		_, ok := room.Apply(msg)
		assert.Equal(t, ok, false)
	}
	assert.Equal(t, len(m.messages()), 0)
	_, _, dirty, err := room.Unsaved()
	assert.Equal(t, err, nil)
	assert.Equal(t, dirty, false)
}

func TestUpdateAfterDeleteIsIgnored(t *testing.T) {
	room := newRecordsRoom(t)
	room.Apply(protocol.Message{Type: protocol.TypeCreate, Title: "Buy milk"})
	room.Apply(protocol.Message{Type: protocol.TypeDelete, ID: "t1"})

	_, ok := room.Apply(protocol.Message{Type: protocol.TypeUpdate, ID: "t1", Title: "Milk 2%"})
	assert.Equal(t, ok, false)
	assert.Equal(t, len(room.Snapshot().Records), 0)
}

func TestSceneReplaceLastWriterWins(t *testing.T) {
	g := NewRegistry(nil)
	room, err := g.Room(context.Background(), "doc-1", store.FlavorScene)
	assert.Equal(t, err, nil)

	room.Apply(protocol.Message{Type: protocol.TypeReplace, Document: json.RawMessage(`{"from":"alice"}`)})
	room.Apply(protocol.Message{Type: protocol.TypeReplace, Document: json.RawMessage(`{"from":"bob"}`)})
	assert.Equal(t, string(room.Snapshot().Document), `{"from":"bob"}`)

	_, ok := room.Apply(protocol.Message{Type: protocol.TypeCreate, Title: "not here"})
	assert.Equal(t, ok, false)
}

func TestLeaveBroadcastsCount(t *testing.T) {
	room := newRecordsRoom(t)
	a, b := newFakeMember("a"), newFakeMember("b")
	room.Join(a)
	room.Join(b)
	a.reset()

	room.Leave(b)
	room.Leave(b)
	assert.Equal(t, a.messages(), []protocol.Message{protocol.MemberCount(1)})
	assert.Equal(t, room.Members(), 1)
}

func TestFullMemberIsEvictedWithoutAffectingRoom(t *testing.T) {
	room := newRecordsRoom(t)
	healthy := newFakeMember("healthy")
	slow := newFakeMember("slow")
	room.Join(healthy)
	room.Join(slow)
	slow.mu.Lock()
	slow.limit = len(slow.got)
	slow.mu.Unlock()
	healthy.reset()

	_, ok := room.Apply(protocol.Message{Type: protocol.TypeCreate, Title: "a"})
	assert.Equal(t, ok, true)
	assert.Equal(t, healthy.types(), []string{protocol.TypeCreated, protocol.TypeMemberCount})
	assert.Equal(t, healthy.messages()[1].Count, 1)
	assert.Equal(t, slow.closed, true)
	assert.Equal(t, room.Members(), 1)
}

func TestRoomsAreIsolated(t *testing.T) {
	g := NewRegistry(nil)
	one, _ := g.Room(context.Background(), "one", store.FlavorScene)
	two, _ := g.Room(context.Background(), "two", store.FlavorScene)
	m1, m2 := newFakeMember("1"), newFakeMember("2")
	one.Join(m1)
	two.Join(m2)
	m2.reset()

	one.Apply(protocol.Message{Type: protocol.TypeReplace, Document: json.RawMessage(`{"a":1}`)})
	assert.Equal(t, len(m2.messages()), 0)
	assert.Equal(t, len(g.Rooms()), 2)
}

func TestRoomFlavorIsFixed(t *testing.T) {
	g := NewRegistry(nil)
	_, err := g.Room(context.Background(), "doc", store.FlavorScene)
	assert.Equal(t, err, nil)
	_, err = g.Room(context.Background(), "doc", store.FlavorRecords)
	assert.Equal(t, errors.Is(err, ErrFlavorMismatch), true)
}

type mapLoader map[string][]byte

func (l mapLoader) LoadDocument(_ context.Context, key string) ([]byte, bool, error) {
	if key == "broken" {
		return nil, false, fmt.Errorf("disk on fire")
	}
	raw, ok := l[key]
	return raw, ok, nil
}

func TestRoomIsSeededFromLoader(t *testing.T) {
	g := NewRegistry(mapLoader{
		"doc": []byte(`{"flavor":"scene","scene":{"saved":true}}`),
	})
	room, err := g.Room(context.Background(), "doc", store.FlavorScene)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(room.Snapshot().Document), `{"saved":true}`)

	fresh, err := g.Room(context.Background(), "new", store.FlavorScene)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(fresh.Snapshot().Document), `{}`)

	_, err = g.Room(context.Background(), "broken", store.FlavorScene)
	assert.NotEqual(t, err, nil)
	_, ok := g.Lookup("broken")
	assert.Equal(t, ok, false)
}

func TestUnsavedTracksVersions(t *testing.T) {
	room := newRecordsRoom(t)
	room.Apply(protocol.Message{Type: protocol.TypeCreate, Title: "a"})

	raw, version, dirty, err := room.Unsaved()
	assert.Equal(t, err, nil)
	assert.Equal(t, dirty, true)
	assert.Equal(t, version, uint64(1))
	assert.Equal(t, string(raw), `{"flavor":"records","records":[{"id":"t1","title":"a"}]}`)

	room.MarkSaved(version)
	_, _, dirty, _ = room.Unsaved()
	assert.Equal(t, dirty, false)
}

func TestConcurrentApplyKeepsOrderPerMember(t *testing.T) {
	g := NewRegistry(nil)
	room, _ := g.Room(context.Background(), "doc", store.FlavorScene)
	a, b := newFakeMember("a"), newFakeMember("b")
	room.Join(a)
	room.Join(b)
	a.reset()
	b.reset()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room.Apply(protocol.Message{Type: protocol.TypeReplace, Document: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
		}(i)
	}
	wg.Wait()

	// Both members observe the same total order and the final snapshot matches the last event.
	assert.Equal(t, a.messages(), b.messages())
	last := a.messages()[len(a.messages())-1]
	assert.Equal(t, string(last.Document), string(room.Snapshot().Document))
}

func TestSharedRoomHoldsRecordsOnly(t *testing.T) {
	g := NewRegistry(nil)
	_, err := g.Room(context.Background(), SharedRoom, store.FlavorScene)
	assert.Equal(t, errors.Is(err, ErrFlavorMismatch), true)
	_, ok := g.Lookup(SharedRoom)
	assert.Equal(t, ok, false)

	room, err := g.Room(context.Background(), SharedRoom, store.FlavorRecords)
	assert.Equal(t, err, nil)
	assert.Equal(t, room.Flavor(), store.FlavorRecords)
}

// gatedLoader blocks loads of "slow" until release is closed.
type gatedLoader struct {
	started chan struct{}
	release chan struct{}
}

func (l gatedLoader) LoadDocument(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "slow" {
		close(l.started)
		select {
		case <-l.release:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return nil, false, nil
}

func TestSlowSeedDoesNotBlockOtherRooms(t *testing.T) {
	loader := gatedLoader{started: make(chan struct{}), release: make(chan struct{})}
	g := NewRegistry(loader)

	slow := make(chan *Room, 1)
	go func() {
		room, _ := g.Room(context.Background(), "slow", store.FlavorScene)
		slow <- room
	}()
	<-loader.started

	fast := make(chan error, 1)
	go func() {
		_, err := g.Room(context.Background(), "fast", store.FlavorScene)
		fast <- err
	}()
	select {
	case err := <-fast:
		assert.Equal(t, err, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("room creation blocked behind a slow load")
	}

	close(loader.release)
	room := <-slow
	again, err := g.Room(context.Background(), "slow", store.FlavorScene)
	assert.Equal(t, err, nil)
	assert.Equal(t, again == room, true)
}

func TestConcurrentPersistsLandInVersionOrder(t *testing.T) {
	g := NewRegistry(nil)
	room, _ := g.Room(context.Background(), "doc", store.FlavorScene)

	var mu sync.Mutex
	var durable string
	var inFlight, overlaps int
	save := func(_ context.Context, _ string, raw []byte) (time.Time, error) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlaps++
		}
		mu.Unlock()
		// keep the write open so overlapping persists would be counted
		time.Sleep(time.Millisecond)
		mu.Lock()
		durable = string(raw)
		inFlight--
		mu.Unlock()
		return time.Now(), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room.Apply(protocol.Message{Type: protocol.TypeReplace, Document: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
			if _, _, err := room.Persist(context.Background(), save); err != nil {
				t.Errorf("persist: %v", err)
			}
		}(i)
	}
	wg.Wait()
	_, dirty, err := room.Persist(context.Background(), save)
	assert.Equal(t, err, nil)
	assert.Equal(t, dirty, false)

	assert.Equal(t, overlaps, 0)
	assert.Equal(t, durable, `{"flavor":"scene","scene":`+string(room.Snapshot().Document)+`}`)
}

func TestPersistErrorKeepsRoomDirty(t *testing.T) {
	g := NewRegistry(nil)
	room, _ := g.Room(context.Background(), "doc", store.FlavorScene)
	room.Apply(protocol.Message{Type: protocol.TypeReplace, Document: json.RawMessage(`{"a":1}`)})

	_, dirty, err := room.Persist(context.Background(), func(context.Context, string, []byte) (time.Time, error) {
		return time.Time{}, errors.New("disk full")
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, dirty, true)
	_, _, stillDirty, _ := room.Unsaved()
	assert.Equal(t, stillDirty, true)
}
