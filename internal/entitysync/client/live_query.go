package client

import (
	"slices"
	"sync"

	"scout-sync/internal/entitysync/domain/model"

	"go.uber.org/zap"
)

// LiveQuery keeps the records of a collection that match a filter, in the
// order they arrived. It follows its server subscription and the changes of
// every member entry, including optimistic ones.
type LiveQuery struct {
	cache           *Cache
	collection      string
	filter          model.Filter
	excludeArchived bool
	mirror          bool
	remote          RemoteSubscription

	mu         sync.Mutex
	order      []string
	members    map[string]*Entry
	unwatch    map[string]func()
	snapshot   map[string]struct{}
	resnapshot bool
	cursor     string
	closed     bool

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[uint64]func([]*model.Record)
	nextObs   uint64
}

func newLiveQuery(c *Cache, collection string, filter model.Filter, excludeArchived, mirror bool) *LiveQuery {
	return &LiveQuery{
		cache:           c,
		collection:      collection,
		filter:          filter,
		excludeArchived: excludeArchived,
		mirror:          mirror,
		members:         make(map[string]*Entry),
		unwatch:         make(map[string]func()),
		observers:       make(map[uint64]func([]*model.Record)),
	}
}

func (q *LiveQuery) Collection() string { return q.collection }

// Cursor is the event log position of the last change applied.
func (q *LiveQuery) Cursor() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

func (q *LiveQuery) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Records returns the current members in arrival order.
func (q *LiveQuery) Records() []*model.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Record, 0, len(q.order))
	for _, id := range q.order {
		if rec := q.members[id].Snapshot().Record(); rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// Sorted returns the members ordered by cmp. The arrival order is kept
// for records cmp considers equal.
func (q *LiveQuery) Sorted(cmp func(a, b *model.Record) int) []*model.Record {
	out := q.Records()
	slices.SortStableFunc(out, cmp)
	return out
}

// Subscribe calls fn with the member list after every change.
func (q *LiveQuery) Subscribe(fn func([]*model.Record)) (unsubscribe func()) {
	q.obsMu.Lock()
	q.nextObs++
	id := q.nextObs
	q.observers[id] = fn
	q.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.obsMu.Lock()
			delete(q.observers, id)
			q.obsMu.Unlock()
		})
	}
}

// Close ends the server subscription and detaches from member entries. The
// entries stay in the cache.
func (q *LiveQuery) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.release()
	q.cache.forgetQuery(q)

	q.obsMu.Lock()
	q.observers = make(map[uint64]func([]*model.Record))
	q.obsMu.Unlock()

	if q.remote != nil {
		return q.remote.Close()
	}
	return nil
}

func (q *LiveQuery) release() {
	q.mu.Lock()
	unwatch := q.unwatch
	q.unwatch = make(map[string]func())
	q.members = make(map[string]*Entry)
	q.order = nil
	q.mu.Unlock()
	for _, fn := range unwatch {
		fn()
	}
}

func (q *LiveQuery) handle(ev StreamEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	switch ev.Kind {
	case StreamSnapshotStart:
		q.mu.Lock()
		q.snapshot = make(map[string]struct{})
		q.resnapshot = ev.Resnapshot
		q.mu.Unlock()

	case StreamSnapshotRecord:
		if ev.Record == nil {
			return
		}
		q.mu.Lock()
		if q.snapshot != nil {
			q.snapshot[ev.Record.ID] = struct{}{}
		}
		q.mu.Unlock()
		if e := q.cache.absorb(ev.Record); e != nil {
			q.reconsider(e)
		}

	case StreamSnapshotEnd:
		q.finishSnapshot(ev.Cursor)
		q.notify()

	case StreamResumed:
		q.setCursor(ev.Cursor)

	case StreamChange:
		q.setCursor(ev.Cursor)
		e, _ := q.cache.ApplyEvent(ev.Event)
		if e == nil && ev.Record != nil {
			// entered the filter while this client did not hold it
			e = q.cache.absorb(ev.Record)
		}
		if e != nil && q.reconsider(e) {
			q.notify()
		}

	case StreamClosed:
		if ev.Err != nil {
			q.cache.log.Warn("Live query stream closed",
				zap.String("collection", q.collection),
				zap.Error(ev.Err))
		}
	}
}

func (q *LiveQuery) setCursor(cursor string) {
	if cursor == "" {
		return
	}
	q.mu.Lock()
	q.cursor = cursor
	q.mu.Unlock()
}

// finishSnapshot drops members the snapshot no longer contains. A mirror
// also drops them from the cache after a resnapshot, since the server
// deleted them while this client was away.
func (q *LiveQuery) finishSnapshot(cursor string) {
	q.mu.Lock()
	seen := q.snapshot
	resnapshot := q.resnapshot
	q.snapshot = nil
	q.resnapshot = false
	if cursor != "" {
		q.cursor = cursor
	}
	var stale []string
	for _, id := range q.order {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	unwatch := make([]func(), 0, len(stale))
	for _, id := range stale {
		if fn := q.removeLocked(id); fn != nil {
			unwatch = append(unwatch, fn)
		}
	}
	q.mu.Unlock()
	for _, fn := range unwatch {
		fn()
	}

	if q.mirror && resnapshot && seen != nil {
		q.cache.forget(q.collection, seen)
	}
}

func (q *LiveQuery) accepts(state EntryState) bool {
	if state.Removed {
		return false
	}
	if q.excludeArchived && state.Archived {
		return false
	}
	return q.filter.Match(state.Record())
}

// reconsider adds or removes e depending on its current state and reports
// whether membership changed.
func (q *LiveQuery) reconsider(e *Entry) bool {
	state := e.Snapshot()
	match := q.accepts(state)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	_, member := q.members[e.ID()]
	switch {
	case match && !member:
		q.members[e.ID()] = e
		q.order = append(q.order, e.ID())
		q.mu.Unlock()
		unwatch := e.Subscribe(func(EntryState) {
			q.reconsider(e)
			q.notify()
		})
		q.mu.Lock()
		if _, still := q.members[e.ID()]; still && !q.closed {
			q.unwatch[e.ID()] = unwatch
			q.mu.Unlock()
		} else {
			q.mu.Unlock()
			unwatch()
		}
		return true
	case !match && member:
		unwatch := q.removeLocked(e.ID())
		q.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
		return true
	}
	q.mu.Unlock()
	return false
}

func (q *LiveQuery) removeLocked(id string) func() {
	delete(q.members, id)
	if i := slices.Index(q.order, id); i >= 0 {
		q.order = slices.Delete(q.order, i, i+1)
	}
	unwatch := q.unwatch[id]
	delete(q.unwatch, id)
	return unwatch
}

func (q *LiveQuery) notify() {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.obsMu.Lock()
	fns := make([]func([]*model.Record), 0, len(q.observers))
	for _, fn := range q.observers {
		fns = append(fns, fn)
	}
	q.obsMu.Unlock()
	if len(fns) == 0 {
		return
	}

	records := q.Records()
	for _, fn := range fns {
		fn(records)
	}
}
