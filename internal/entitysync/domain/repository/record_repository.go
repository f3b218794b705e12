package repository

import (
	"context"
	"iter"

	"scout-sync/internal/entitysync/domain/model"
)

// MutateFunc derives the next state of a record from its current state.
// It may be called more than once when the backend retries on contention,
// so it must not have side effects.
type MutateFunc func(current *model.Record) (*model.Record, error)

// RecordRepository is the persistence backend: key-indexed record storage
// with per-record atomic read-modify-write.
type RecordRepository interface {
	// Record methods
	Insert(ctx context.Context, rec *model.Record) error
	Get(ctx context.Context, collection, id string) (*model.Record, error)
	Mutate(ctx context.Context, collection, id string, fn MutateFunc) (*model.Record, error)
	Delete(ctx context.Context, collection, id string) (*model.Record, error)

	// Scan yields every record of a collection, pulling from the backend
	// only as fast as the consumer iterates.
	Scan(ctx context.Context, collection string) iter.Seq2[*model.Record, error]

	Ping(ctx context.Context) error
}

// Counter is implemented by backends that count a whole collection without
// reading its records.
type Counter interface {
	Count(ctx context.Context, collection string) (int64, error)
}
