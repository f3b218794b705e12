package client

import (
	"sync"
	"time"

	"scout-sync/internal/entitysync/domain/model"
)

// EntryState is a point-in-time view of an Entry. Fields already include
// pending optimistic values.
type EntryState struct {
	ID         string
	Collection string
	Fields     model.Fields
	Version    int64
	Archived   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Pending    bool
	Removed    bool
}

// Record returns the state as a record, or nil once the entry was removed.
func (s EntryState) Record() *model.Record {
	if s.Removed {
		return nil
	}
	return &model.Record{
		ID:         s.ID,
		Collection: s.Collection,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Archived:   s.Archived,
		Version:    s.Version,
		Fields:     s.Fields.Clone(),
	}
}

type pendingValue struct {
	value interface{}
	seq   uint64
}

// Entry is the cached copy of one record. It holds the last state confirmed
// by the server plus the optimistic values of writes still in flight.
type Entry struct {
	id         string
	collection string

	mu        sync.Mutex
	confirmed *model.Record
	overlay   map[string]pendingValue
	inflight  int
	removed   bool

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[uint64]func(EntryState)
	nextObs   uint64
}

func newEntry(rec *model.Record) *Entry {
	return &Entry{
		id:         rec.ID,
		collection: rec.Collection,
		confirmed:  rec.Clone(),
		overlay:    make(map[string]pendingValue),
		observers:  make(map[uint64]func(EntryState)),
	}
}

func (e *Entry) ID() string { return e.id }

func (e *Entry) Collection() string { return e.collection }

// Snapshot returns the current state.
func (e *Entry) Snapshot() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Entry) stateLocked() EntryState {
	fields := e.confirmed.Fields.Clone()
	for name, p := range e.overlay {
		fields[name] = p.value
	}
	return EntryState{
		ID:         e.id,
		Collection: e.collection,
		Fields:     fields,
		Version:    e.confirmed.Version,
		Archived:   e.confirmed.Archived,
		CreatedAt:  e.confirmed.CreatedAt,
		UpdatedAt:  e.confirmed.UpdatedAt,
		Pending:    e.inflight > 0,
		Removed:    e.removed,
	}
}

// Subscribe calls fn with the new state after every change to the entry.
func (e *Entry) Subscribe(fn func(EntryState)) (unsubscribe func()) {
	e.obsMu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers[id] = fn
	e.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.obsMu.Lock()
			delete(e.observers, id)
			e.obsMu.Unlock()
		})
	}
}

// ObserverCount returns the number of registered observers.
func (e *Entry) ObserverCount() int {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	return len(e.observers)
}

// notify hands the latest state to every observer. Notifications of one
// entry never overlap, and each carries the state at the time it runs, so
// the last one an observer sees is current.
func (e *Entry) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	state := e.Snapshot()
	e.obsMu.Lock()
	fns := make([]func(EntryState), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// applyEvent reconciles one change event. It reports whether the entry changed.
func (e *Entry) applyEvent(ev model.ChangeEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}

	switch ev.Kind {
	case model.ChangeKindUpdate:
		if ev.ServerVersion <= e.confirmed.Version {
			return false
		}
		for name, value := range ev.Payload {
			e.confirmed.Fields[name] = value
			delete(e.overlay, name)
		}
	case model.ChangeKindArchive:
		if ev.ServerVersion <= e.confirmed.Version {
			return false
		}
		if archived, ok := ev.ArchivedFlag(); ok {
			e.confirmed.Archived = archived
		}
	case model.ChangeKindDelete:
		e.removed = true
		return true
	default:
		return false
	}
	e.confirmed.Version = ev.ServerVersion
	e.confirmed.UpdatedAt = ev.Time()
	return true
}

// absorb takes a full record from a snapshot or a fetch if it is newer than
// what the entry holds. Optimistic values stay on top.
func (e *Entry) absorb(rec *model.Record) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || rec.Version <= e.confirmed.Version {
		return false
	}
	e.confirmed = rec.Clone()
	return true
}

// beginMutation applies fields optimistically and returns the sequence that
// identifies this mutation's values.
func (e *Entry) beginMutation(fields model.Fields, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, value := range fields {
		e.overlay[name] = pendingValue{value: value, seq: seq}
	}
	e.inflight++
}

// endMutation drops the optimistic values still owned by seq. On success the
// server's record becomes the confirmed state if it is newer; on failure the
// entry falls back to the last confirmed state for those fields.
func (e *Entry) endMutation(seq uint64, result *model.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, p := range e.overlay {
		if p.seq == seq {
			delete(e.overlay, name)
		}
	}
	e.inflight--
	if result != nil && !e.removed && result.Version > e.confirmed.Version {
		e.confirmed = result.Clone()
	}
}

func (e *Entry) markRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.removed = true
	return true
}
