package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/repository"
	"scout-sync/internal/shared/errors"
)

type collectionShard struct {
	mu      sync.RWMutex
	records map[string]*model.Record
	order   []string
}

// RecordRepository is an in-process RecordRepository. Each collection is a
// separate shard so writes to different collections never contend.
type RecordRepository struct {
	mu     sync.Mutex
	shards map[string]*collectionShard
}

var (
	_ repository.RecordRepository = (*RecordRepository)(nil)
	_ repository.Counter          = (*RecordRepository)(nil)
)

// NewRecordRepository creates an empty in-memory repository.
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{shards: make(map[string]*collectionShard)}
}

func (r *RecordRepository) shard(collection string) *collectionShard {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[collection]
	if !ok {
		s = &collectionShard{records: make(map[string]*model.Record)}
		r.shards[collection] = s
	}
	return s
}

func notFound(collection, id string) error {
	return errors.NewNotFoundError(fmt.Sprintf("record %s/%s", collection, id))
}

// Insert stores a new record. An existing id is a persistence conflict.
func (r *RecordRepository) Insert(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.shard(rec.Collection)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return errors.NewPersistenceError("record already exists").
			WithCode("DUPLICATE_ID").
			WithDetail("id", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	return nil
}

func (r *RecordRepository) Get(ctx context.Context, collection, id string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.shard(collection)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, notFound(collection, id)
	}
	return rec.Clone(), nil
}

// Mutate runs fn under the shard lock, which makes the read-modify-write atomic.
func (r *RecordRepository) Mutate(ctx context.Context, collection, id string, fn repository.MutateFunc) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.shard(collection)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return nil, notFound(collection, id)
	}
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	s.records[id] = next.Clone()
	return next.Clone(), nil
}

// Delete removes a record and returns its last state.
func (r *RecordRepository) Delete(ctx context.Context, collection, id string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.shard(collection)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, notFound(collection, id)
	}
	delete(s.records, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return rec, nil
}

// Scan walks the collection in insertion order. Only the id list is copied up
// front; each record is read when the consumer asks for it, and records deleted
// in the meantime are skipped.
func (r *RecordRepository) Scan(ctx context.Context, collection string) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		s := r.shard(collection)
		s.mu.RLock()
		ids := slices.Clone(s.order)
		s.mu.RUnlock()

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			s.mu.RLock()
			rec, ok := s.records[id]
			if ok {
				rec = rec.Clone()
			}
			s.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (r *RecordRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *RecordRepository) Count(ctx context.Context, collection string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(r.Len(collection)), nil
}

// Len returns the number of records in a collection.
func (r *RecordRepository) Len(collection string) int {
	s := r.shard(collection)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
