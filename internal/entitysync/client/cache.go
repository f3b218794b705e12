package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Option customizes a Cache.
type Option func(*Cache)

// WithRegistry validates optimistic writes locally and normalizes event
// payloads (dates arrive as strings over JSON) with the given schemas.
func WithRegistry(reg *service.SchemaRegistry) Option {
	return func(c *Cache) { c.registry = reg }
}

func WithLogger(log logger.Logger) Option {
	return func(c *Cache) { c.log = logger.OrNop(log).WithComponent("client_cache") }
}

// WithAutoWatch controls whether Get mirrors the whole collection so fetched
// entries keep receiving changes. It is on by default.
func WithAutoWatch(enabled bool) Option {
	return func(c *Cache) { c.autoWatch = enabled }
}

type collectionState struct {
	entries    map[string]*Entry
	tombstones map[string]struct{}
	watch      *LiveQuery
	queries    map[*LiveQuery]struct{}
}

// Cache is the client-side mirror of the server's collections.
type Cache struct {
	transport Transport
	registry  *service.SchemaRegistry
	compiler  *service.FilterCompiler
	log       logger.Logger
	autoWatch bool

	mu          sync.Mutex
	collections map[string]*collectionState

	fetches singleflight.Group
	seq     atomic.Uint64
}

// NewCache creates a cache on top of transport.
func NewCache(transport Transport, opts ...Option) (*Cache, error) {
	compiler, err := service.NewFilterCompiler()
	if err != nil {
		return nil, err
	}
	c := &Cache{
		transport:   transport,
		compiler:    compiler,
		log:         logger.NopLogger{},
		autoWatch:   true,
		collections: make(map[string]*collectionState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) state(collection string) *collectionState {
	cs, ok := c.collections[collection]
	if !ok {
		cs = &collectionState{
			entries:    make(map[string]*Entry),
			tombstones: make(map[string]struct{}),
			queries:    make(map[*LiveQuery]struct{}),
		}
		c.collections[collection] = cs
	}
	return cs
}

// Lookup returns the cached entry without fetching.
func (c *Cache) Lookup(collection, id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.collections[collection]
	if !ok {
		return nil, false
	}
	e, ok := cs.entries[id]
	return e, ok
}

// Len returns the number of cached entries of a collection.
func (c *Cache) Len(collection string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.collections[collection]; ok {
		return len(cs.entries)
	}
	return 0
}

// Get returns the entry for a record, fetching it once if it is not cached.
// Concurrent misses for the same record share one fetch.
func (c *Cache) Get(ctx context.Context, collection, id string) (*Entry, error) {
	if c.autoWatch {
		if err := c.Watch(ctx, collection); err != nil {
			return nil, err
		}
	}
	if e, ok := c.Lookup(collection, id); ok {
		return e, nil
	}

	v, err, _ := c.fetches.Do(collection+"/"+id, func() (interface{}, error) {
		rec, err := c.transport.Fetch(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		e := c.absorb(rec)
		if e == nil {
			return nil, errors.NewNotFoundError("record").WithDetail("recordId", id)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Watch mirrors a whole collection into the cache until Teardown.
func (c *Cache) Watch(ctx context.Context, collection string) error {
	c.mu.Lock()
	watching := c.state(collection).watch != nil
	c.mu.Unlock()
	if watching {
		return nil
	}

	_, err, _ := c.fetches.Do("watch/"+collection, func() (interface{}, error) {
		c.mu.Lock()
		if c.state(collection).watch != nil {
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()

		q, err := c.open(ctx, collection, model.FilterSpec{}, false, true)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		cs := c.state(collection)
		delete(cs.queries, q)
		cs.watch = q
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// All opens a live query over the records of collection accepted by filter.
func (c *Cache) All(ctx context.Context, collection string, filter model.FilterSpec, excludeArchived bool) (*LiveQuery, error) {
	return c.open(ctx, collection, filter, excludeArchived, false)
}

func (c *Cache) open(ctx context.Context, collection string, spec model.FilterSpec, excludeArchived, mirror bool) (*LiveQuery, error) {
	filter, err := c.compiler.Compile(spec)
	if err != nil {
		return nil, err
	}
	q := newLiveQuery(c, collection, filter, excludeArchived, mirror)

	remote, err := c.transport.Subscribe(ctx, SubscribeOptions{
		Collection:      collection,
		Filter:          spec,
		ExcludeArchived: excludeArchived,
	}, q.handle)
	if err != nil {
		q.release()
		return nil, err
	}
	q.remote = remote

	c.mu.Lock()
	c.state(collection).queries[q] = struct{}{}
	c.mu.Unlock()
	return q, nil
}

func (c *Cache) forgetQuery(q *LiveQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.collections[q.collection]; ok {
		delete(cs.queries, q)
		if cs.watch == q {
			cs.watch = nil
		}
	}
}

func (c *Cache) normalize(collection string, fields model.Fields) model.Fields {
	if c.registry == nil {
		return fields
	}
	return c.registry.Normalize(collection, fields)
}

// ApplyEvent reconciles one change event with the cache and returns the
// affected entry, if any. Stale and duplicate events are dropped silently:
// a create for a known or deleted id, an update or archive for an unknown
// record or with a version not above the entry's.
func (c *Cache) ApplyEvent(ev model.ChangeEvent) (*Entry, bool) {
	switch ev.Kind {
	case model.ChangeKindCreate:
		at := ev.Time()
		e := c.insert(&model.Record{
			ID:         ev.RecordID,
			Collection: ev.Collection,
			CreatedAt:  at,
			UpdatedAt:  at,
			Version:    ev.ServerVersion,
			Fields:     c.normalize(ev.Collection, ev.Payload),
		})
		return e, e != nil

	case model.ChangeKindUpdate, model.ChangeKindArchive:
		e, ok := c.Lookup(ev.Collection, ev.RecordID)
		if !ok {
			return nil, false
		}
		if ev.Kind == model.ChangeKindUpdate {
			ev.Payload = c.normalize(ev.Collection, ev.Payload)
		}
		if !e.applyEvent(ev) {
			return e, false
		}
		e.notify()
		return e, true

	case model.ChangeKindDelete:
		c.mu.Lock()
		cs := c.state(ev.Collection)
		e, ok := cs.entries[ev.RecordID]
		delete(cs.entries, ev.RecordID)
		cs.tombstones[ev.RecordID] = struct{}{}
		c.mu.Unlock()
		if !ok {
			return nil, false
		}
		e.applyEvent(ev)
		e.notify()
		return e, true
	}

	c.log.Warn("Ignoring change event of unknown kind",
		zap.String("collection", ev.Collection),
		zap.String("kind", string(ev.Kind)))
	return nil, false
}

// insert adds a new entry unless the id is known or deleted. It returns nil
// when nothing was inserted.
func (c *Cache) insert(rec *model.Record) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.state(rec.Collection)
	if _, dead := cs.tombstones[rec.ID]; dead {
		return nil
	}
	if _, exists := cs.entries[rec.ID]; exists {
		return nil
	}
	e := newEntry(rec)
	cs.entries[rec.ID] = e
	return e
}

// absorb merges a full record from a snapshot or fetch and returns its entry,
// or nil when the record was deleted meanwhile.
func (c *Cache) absorb(rec *model.Record) *Entry {
	rec = rec.Clone()
	rec.Fields = c.normalize(rec.Collection, rec.Fields)

	c.mu.Lock()
	cs := c.state(rec.Collection)
	if _, dead := cs.tombstones[rec.ID]; dead {
		c.mu.Unlock()
		return nil
	}
	e, exists := cs.entries[rec.ID]
	if !exists {
		e = newEntry(rec)
		cs.entries[rec.ID] = e
		c.mu.Unlock()
		return e
	}
	c.mu.Unlock()

	if e.absorb(rec) {
		e.notify()
	}
	return e
}

// forget removes entries the server no longer has. Only a full resnapshot of
// the collection can tell.
func (c *Cache) forget(collection string, keep map[string]struct{}) {
	c.mu.Lock()
	cs := c.state(collection)
	var gone []*Entry
	for id, e := range cs.entries {
		if _, ok := keep[id]; !ok {
			gone = append(gone, e)
			delete(cs.entries, id)
		}
	}
	c.mu.Unlock()

	for _, e := range gone {
		if e.markRemoved() {
			e.notify()
		}
	}
}

// MutateLocal applies fields to the cached record at once, sends the update
// to the server and reconciles with its answer. If the server refuses, the
// fields fall back to the last confirmed values and MutationRejected is
// returned with the server's error as cause.
func (c *Cache) MutateLocal(ctx context.Context, collection, id string, fields map[string]interface{}) (*model.Record, error) {
	e, ok := c.Lookup(collection, id)
	if !ok {
		var err error
		if e, err = c.Get(ctx, collection, id); err != nil {
			return nil, err
		}
	}

	patch := model.Fields(fields)
	if c.registry != nil {
		schema, err := c.registry.Lookup(collection)
		if err != nil {
			return nil, err
		}
		if patch, err = c.registry.ValidatePartial(schema, fields); err != nil {
			return nil, err
		}
	}

	seq := c.seq.Add(1)
	e.beginMutation(patch, seq)
	e.notify()

	rec, err := c.transport.Update(ctx, collection, id, patch)
	if err != nil {
		e.endMutation(seq, nil)
		e.notify()
		c.log.WithContext(ctx).Info("Optimistic write rolled back",
			zap.String("collection", collection),
			zap.String("recordId", id),
			zap.Error(err))
		return nil, errors.NewMutationRejectedError(fmt.Sprintf("update of %s/%s rejected", collection, id)).
			WithCause(err).
			WithDetail("collection", collection).
			WithDetail("recordId", id)
	}

	rec.Fields = c.normalize(collection, rec.Fields)
	e.endMutation(seq, rec)
	e.notify()
	return rec.Clone(), nil
}

// Teardown closes the live queries of a collection and drops its entries and
// tombstones. Observers of dropped entries see them removed.
func (c *Cache) Teardown(collection string) {
	c.mu.Lock()
	cs, ok := c.collections[collection]
	delete(c.collections, collection)
	c.mu.Unlock()
	if !ok {
		return
	}

	queries := make([]*LiveQuery, 0, len(cs.queries)+1)
	for q := range cs.queries {
		queries = append(queries, q)
	}
	if cs.watch != nil {
		queries = append(queries, cs.watch)
	}
	for _, q := range queries {
		if err := q.Close(); err != nil {
			c.log.Warn("Closing live query failed", zap.String("collection", collection), zap.Error(err))
		}
	}
	for _, e := range cs.entries {
		if e.markRemoved() {
			e.notify()
		}
	}
}

// Close tears down every collection. The transport is left open.
func (c *Cache) Close() {
	c.mu.Lock()
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.Teardown(name)
	}
}
