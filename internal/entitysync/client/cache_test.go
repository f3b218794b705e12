package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"
	apperrors "scout-sync/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport serves fetches from a map and fails updates on demand.
type fakeTransport struct {
	mu        sync.Mutex
	records   map[string]*model.Record
	updateErr error
	gate      chan struct{}
	fetches   atomic.Int64
	updates   atomic.Int64
}

func newFakeTransport(recs ...*model.Record) *fakeTransport {
	t := &fakeTransport{records: make(map[string]*model.Record)}
	for _, r := range recs {
		t.records[r.ID] = r
	}
	return t
}

func (t *fakeTransport) Fetch(ctx context.Context, collection, id string) (*model.Record, error) {
	t.fetches.Add(1)
	if t.gate != nil {
		<-t.gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("record")
	}
	return rec.Clone(), nil
}

func (t *fakeTransport) Update(ctx context.Context, collection, id string, fields model.Fields) (*model.Record, error) {
	t.updates.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateErr != nil {
		return nil, t.updateErr
	}
	rec := t.records[id].Clone()
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.Version++
	t.records[id] = rec
	return rec.Clone(), nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, opts SubscribeOptions, handler StreamHandler) (RemoteSubscription, error) {
	return nil, fmt.Errorf("subscriptions not supported")
}

func (t *fakeTransport) Close() error { return nil }

func itemsRegistry() *service.SchemaRegistry {
	reg := service.NewSchemaRegistry(nil)
	reg.MustRegister("items", []model.FieldDef{
		{Name: "name", Type: model.FieldTypeString, Required: true},
		{Name: "qty", Type: model.FieldTypeNumber},
		{Name: "due", Type: model.FieldTypeDate},
	})
	return reg
}

func newTestCache(t *testing.T, transport Transport) *Cache {
	t.Helper()
	c, err := NewCache(transport, WithRegistry(itemsRegistry()), WithAutoWatch(false))
	require.NoError(t, err)
	return c
}

func createEvent(id string, version int64, fields model.Fields) model.ChangeEvent {
	return model.NewChangeEvent(model.ChangeKindCreate, "items", id, version, fields, time.UnixMilli(1_700_000_000_000))
}

func updateEvent(id string, version int64, fields model.Fields) model.ChangeEvent {
	return model.NewChangeEvent(model.ChangeKindUpdate, "items", id, version, fields, time.UnixMilli(1_700_000_000_000))
}

func TestCache_CreateIsIdempotent(t *testing.T) {
	c := newTestCache(t, newFakeTransport())
	ev := createEvent("x", 1, model.Fields{"name": "A"})

	first, applied := c.ApplyEvent(ev)
	require.True(t, applied)
	before := first.Snapshot()

	again, applied := c.ApplyEvent(ev)
	assert.False(t, applied)
	assert.Nil(t, again)

	e, ok := c.Lookup("items", "x")
	require.True(t, ok)
	assert.Same(t, first, e)
	assert.Equal(t, before, e.Snapshot())
	assert.Equal(t, 1, c.Len("items"))
}

func TestCache_StaleUpdateIsIgnored(t *testing.T) {
	c := newTestCache(t, newFakeTransport())
	c.ApplyEvent(createEvent("x", 1, model.Fields{"name": "A", "qty": 1.0}))
	_, applied := c.ApplyEvent(updateEvent("x", 5, model.Fields{"qty": 5.0}))
	require.True(t, applied)

	e, _ := c.Lookup("items", "x")
	before := e.Snapshot()

	_, applied = c.ApplyEvent(updateEvent("x", 3, model.Fields{"qty": 3.0, "name": "old"}))
	assert.False(t, applied)
	_, applied = c.ApplyEvent(updateEvent("x", 5, model.Fields{"qty": 99.0}))
	assert.False(t, applied)

	after := e.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, int64(5), after.Version)
	assert.Equal(t, 5.0, after.Fields["qty"])
}

func TestCache_ApplyEventRules(t *testing.T) {
	c := newTestCache(t, newFakeTransport())

	_, applied := c.ApplyEvent(updateEvent("ghost", 2, model.Fields{"name": "B"}))
	assert.False(t, applied)
	assert.Equal(t, 0, c.Len("items"))

	c.ApplyEvent(createEvent("x", 1, model.Fields{"name": "A", "due": "2026-05-01T10:00:00Z"}))
	e, _ := c.Lookup("items", "x")
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), e.Snapshot().Fields["due"])

	_, applied = c.ApplyEvent(model.NewChangeEvent(model.ChangeKindArchive, "items", "x", 2, model.Fields{"archived": true}, time.Now()))
	require.True(t, applied)
	assert.True(t, e.Snapshot().Archived)
	assert.Equal(t, int64(2), e.Snapshot().Version)

	_, applied = c.ApplyEvent(model.NewChangeEvent(model.ChangeKindArchive, "items", "x", 2, model.Fields{"archived": false}, time.Now()))
	assert.False(t, applied)
	assert.True(t, e.Snapshot().Archived)

	_, applied = c.ApplyEvent(model.NewChangeEvent(model.ChangeKindDelete, "items", "x", 3, nil, time.Now()))
	require.True(t, applied)
	assert.True(t, e.Snapshot().Removed)
	_, ok := c.Lookup("items", "x")
	assert.False(t, ok)

	// Tombstoned ids never come back through older events.
	_, applied = c.ApplyEvent(createEvent("x", 1, model.Fields{"name": "A"}))
	assert.False(t, applied)
	_, ok = c.Lookup("items", "x")
	assert.False(t, ok)
}

func TestCache_NewerEventKeepsOtherPendingFields(t *testing.T) {
	transport := newFakeTransport(&model.Record{ID: "x", Collection: "items", Version: 1, Fields: model.Fields{"name": "A", "qty": 1.0}})
	c := newTestCache(t, transport)
	e, err := c.Get(context.Background(), "items", "x")
	require.NoError(t, err)

	// Simulate a write still in flight.
	e.beginMutation(model.Fields{"name": "local", "qty": 7.0}, 99)

	c.ApplyEvent(updateEvent("x", 2, model.Fields{"qty": 2.0}))
	state := e.Snapshot()
	assert.True(t, state.Pending)
	assert.Equal(t, "local", state.Fields["name"])
	assert.Equal(t, 2.0, state.Fields["qty"])
	assert.Equal(t, int64(2), state.Version)

	e.endMutation(99, nil)
	state = e.Snapshot()
	assert.False(t, state.Pending)
	assert.Equal(t, "A", state.Fields["name"])
}

func TestCache_MutateLocalRollsBackOnRejection(t *testing.T) {
	transport := newFakeTransport(&model.Record{ID: "x", Collection: "items", Version: 4, Fields: model.Fields{"name": "A", "qty": 1.0}})
	transport.updateErr = apperrors.NewSchemaViolationError("server says no")
	c := newTestCache(t, transport)
	e, err := c.Get(context.Background(), "items", "x")
	require.NoError(t, err)

	var seen []EntryState
	unsubscribe := e.Subscribe(func(s EntryState) { seen = append(seen, s) })
	defer unsubscribe()

	_, err = c.MutateLocal(context.Background(), "items", "x", map[string]interface{}{"name": "B"})
	require.Error(t, err)
	assert.True(t, apperrors.IsMutationRejected(err))
	assert.True(t, apperrors.IsSchemaViolation(err))

	state := e.Snapshot()
	assert.Equal(t, "A", state.Fields["name"])
	assert.Equal(t, int64(4), state.Version)
	assert.False(t, state.Pending)

	require.Len(t, seen, 2)
	assert.Equal(t, "B", seen[0].Fields["name"])
	assert.True(t, seen[0].Pending)
	assert.Equal(t, "A", seen[1].Fields["name"])
}

func TestCache_MutateLocalReconcilesOnSuccess(t *testing.T) {
	transport := newFakeTransport(&model.Record{ID: "x", Collection: "items", Version: 1, Fields: model.Fields{"name": "A"}})
	c := newTestCache(t, transport)

	rec, err := c.MutateLocal(context.Background(), "items", "x", map[string]interface{}{"qty": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	e, _ := c.Lookup("items", "x")
	state := e.Snapshot()
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, 3.0, state.Fields["qty"])
	assert.False(t, state.Pending)

	// The echo of our own write is a duplicate.
	_, applied := c.ApplyEvent(updateEvent("x", 2, model.Fields{"qty": 3.0}))
	assert.False(t, applied)
}

func TestCache_MutateLocalValidatesBeforeApplying(t *testing.T) {
	transport := newFakeTransport(&model.Record{ID: "x", Collection: "items", Version: 1, Fields: model.Fields{"name": "A"}})
	c := newTestCache(t, transport)

	_, err := c.MutateLocal(context.Background(), "items", "x", map[string]interface{}{"qty": "many"})
	assert.True(t, apperrors.IsSchemaViolation(err))
	assert.False(t, apperrors.IsMutationRejected(err))
	assert.Equal(t, int64(0), transport.updates.Load())
}

func TestCache_GetDeduplicatesFetches(t *testing.T) {
	transport := newFakeTransport(&model.Record{ID: "x", Collection: "items", Version: 1, Fields: model.Fields{"name": "A"}})
	transport.gate = make(chan struct{})
	c := newTestCache(t, transport)

	const callers = 8
	entries := make([]*Entry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Get(context.Background(), "items", "x")
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	require.Eventually(t, func() bool { return transport.fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(transport.gate)
	wg.Wait()

	assert.Equal(t, int64(1), transport.fetches.Load())
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}

	_, err := c.Get(context.Background(), "items", "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEntry_UnsubscribeStopsNotifications(t *testing.T) {
	c := newTestCache(t, newFakeTransport())
	e, _ := c.ApplyEvent(createEvent("x", 1, model.Fields{"name": "A"}))

	var calls atomic.Int64
	unsubscribe := e.Subscribe(func(EntryState) { calls.Add(1) })
	c.ApplyEvent(updateEvent("x", 2, model.Fields{"name": "B"}))
	unsubscribe()
	unsubscribe()
	c.ApplyEvent(updateEvent("x", 3, model.Fields{"name": "C"}))

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 0, e.ObserverCount())
}

func TestCache_TeardownDropsCollection(t *testing.T) {
	c := newTestCache(t, newFakeTransport())
	e, _ := c.ApplyEvent(createEvent("x", 1, model.Fields{"name": "A"}))
	c.ApplyEvent(model.NewChangeEvent(model.ChangeKindDelete, "items", "y", 2, nil, time.Now()))

	var removed atomic.Bool
	e.Subscribe(func(s EntryState) { removed.Store(s.Removed) })

	c.Teardown("items")
	assert.True(t, removed.Load())
	assert.Equal(t, 0, c.Len("items"))

	// The tombstone went with it.
	_, applied := c.ApplyEvent(createEvent("y", 1, model.Fields{"name": "Y"}))
	assert.True(t, applied)
}
