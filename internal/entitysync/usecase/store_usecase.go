package usecase

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"reflect"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/repository"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/keylock"
	"scout-sync/internal/shared/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StoreUsecase is the authoritative record store.
type StoreUsecase interface {
	Create(ctx context.Context, collection string, fields map[string]interface{}) (*model.Record, error)
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) (*model.Record, error)
	Archive(ctx context.Context, collection, id string, archived bool) (*model.Record, error)
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (*model.Record, error)
	Query(ctx context.Context, q model.Query) (*model.QueryResult, error)
}

// ChangePublisher receives every committed change.
type ChangePublisher interface {
	Publish(ctx context.Context, env model.ChangeEnvelope) error
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// WithIDGenerator replaces the UUID record id generator.
func WithIDGenerator(newID func() string) StoreOption {
	return func(s *Store) { s.newID = newID }
}

// WithStoreMetrics sets the metrics sink.
func WithStoreMetrics(m Metrics) StoreOption {
	return func(s *Store) { s.metrics = orNopMetrics(m) }
}

// Store applies writes, assigns ids and versions, and publishes a change event
// for every committed write. Writes to one record are serialized; writes to
// different records run concurrently.
type Store struct {
	registry  *service.SchemaRegistry
	repo      repository.RecordRepository
	publisher ChangePublisher
	locks     *keylock.KeyLock
	clock     func() time.Time
	newID     func() string
	log       logger.Logger
	metrics   Metrics
}

var _ StoreUsecase = (*Store)(nil)

// NewStore creates a Store. publisher may be nil.
func NewStore(registry *service.SchemaRegistry, repo repository.RecordRepository, publisher ChangePublisher, log logger.Logger, opts ...StoreOption) *Store {
	s := &Store{
		registry:  registry,
		repo:      repo,
		publisher: publisher,
		locks:     keylock.New(),
		clock:     time.Now,
		newID:     uuid.NewString,
		log:       logger.OrNop(log).WithComponent("store"),
		metrics:   NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordKey(collection, id string) string {
	return collection + "/" + id
}

// now is millisecond precision, matching the wire timestamp.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func (s *Store) observe(op, collection string, start time.Time, err error) {
	s.metrics.ObserveStoreOperation(op, collection, err, time.Since(start))
}

// Create validates fields, assigns a new id and version 1, persists the record
// and emits a create event with the full field map.
func (s *Store) Create(ctx context.Context, collection string, fields map[string]interface{}) (rec *model.Record, err error) {
	start := time.Now()
	defer func() { s.observe("create", collection, start, err) }()

	schema, err := s.registry.Lookup(collection)
	if err != nil {
		return nil, err
	}
	valid, err := s.registry.Validate(schema, fields)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec = &model.Record{
		ID:         s.newID(),
		Collection: collection,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
		Fields:     valid,
	}

	unlock := s.locks.Lock(recordKey(collection, rec.ID))
	defer unlock()

	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, s.storeError(ctx, "create", collection, rec.ID, err)
	}
	s.publish(ctx, model.ChangeKindCreate, nil, rec, rec.Version, valid.Clone(), now)

	s.log.WithContext(ctx).Debug("Record created",
		zap.String("collection", collection),
		zap.String("recordId", rec.ID))
	return rec.Clone(), nil
}

// Update merges partial fields into a record, bumps its version and emits an
// update event carrying only the fields whose value changed.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]interface{}) (rec *model.Record, err error) {
	start := time.Now()
	defer func() { s.observe("update", collection, start, err) }()

	schema, err := s.registry.Lookup(collection)
	if err != nil {
		return nil, err
	}
	valid, err := s.registry.ValidatePartial(schema, fields)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(recordKey(collection, id))
	defer unlock()

	now := s.now()
	var (
		before  *model.Record
		changed model.Fields
	)
	after, err := s.repo.Mutate(ctx, collection, id, func(current *model.Record) (*model.Record, error) {
		before = current.Clone()
		changed = model.Fields{}
		next := current
		if next.Fields == nil {
			next.Fields = model.Fields{}
		}
		for name, value := range valid {
			old, had := next.Fields[name]
			if !had || !model.ValuesEqual(old, value) {
				changed[name] = value
			}
			next.Fields[name] = value
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, s.storeError(ctx, "update", collection, id, err)
	}
	s.publish(ctx, model.ChangeKindUpdate, before, after, after.Version, changed, now)
	return after.Clone(), nil
}

// Archive sets the archived marker and emits an archive event.
func (s *Store) Archive(ctx context.Context, collection, id string, archived bool) (rec *model.Record, err error) {
	start := time.Now()
	defer func() { s.observe("archive", collection, start, err) }()

	if _, err := s.registry.Lookup(collection); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(recordKey(collection, id))
	defer unlock()

	now := s.now()
	var before *model.Record
	after, err := s.repo.Mutate(ctx, collection, id, func(current *model.Record) (*model.Record, error) {
		before = current.Clone()
		current.Archived = archived
		current.Version++
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		return nil, s.storeError(ctx, "archive", collection, id, err)
	}
	s.publish(ctx, model.ChangeKindArchive, before, after, after.Version, model.Fields{"archived": archived}, now)
	return after.Clone(), nil
}

// Delete removes a record. The delete event carries the version after the
// record's last one, so it orders after every earlier event.
func (s *Store) Delete(ctx context.Context, collection, id string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", collection, start, err) }()

	if _, err := s.registry.Lookup(collection); err != nil {
		return err
	}

	unlock := s.locks.Lock(recordKey(collection, id))
	defer unlock()

	removed, err := s.repo.Delete(ctx, collection, id)
	if err != nil {
		return s.storeError(ctx, "delete", collection, id, err)
	}
	s.publish(ctx, model.ChangeKindDelete, removed, nil, removed.Version+1, model.Fields{}, s.now())
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (rec *model.Record, err error) {
	start := time.Now()
	defer func() { s.observe("get", collection, start, err) }()

	if _, err := s.registry.Lookup(collection); err != nil {
		return nil, err
	}
	rec, err = s.repo.Get(ctx, collection, id)
	if err != nil {
		return nil, s.storeError(ctx, "get", collection, id, err)
	}
	return rec, nil
}

// Query dispatches on q.Mode. In stream mode nothing is read until the caller
// iterates the returned sequence, and records are pulled one at a time.
func (s *Store) Query(ctx context.Context, q model.Query) (result *model.QueryResult, err error) {
	start := time.Now()
	defer func() { s.observe("query_"+string(q.Mode), q.Collection, start, err) }()

	if q.Mode == "" {
		q.Mode = model.QueryModeAll
	}
	if !q.Mode.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown query mode %q", q.Mode))
	}
	if _, err := s.registry.Lookup(q.Collection); err != nil {
		return nil, err
	}
	filter := q.Filter
	if filter == nil {
		filter = model.AllFilter{}
	}
	if q.ExcludeArchived {
		filter = model.LiveOnly(filter)
	}

	result = &model.QueryResult{Mode: q.Mode}
	switch q.Mode {
	case model.QueryModeStream:
		result.Stream = s.scan(ctx, q.Collection, filter, q.Limit)
	case model.QueryModeAll:
		result.Records = make([]*model.Record, 0)
		for rec, err := range s.scan(ctx, q.Collection, filter, q.Limit) {
			if err != nil {
				return nil, err
			}
			result.Records = append(result.Records, rec)
		}
	case model.QueryModeSingle:
		for rec, err := range s.scan(ctx, q.Collection, filter, 1) {
			if err != nil {
				return nil, err
			}
			result.Record = rec
		}
		if result.Record == nil {
			return nil, errors.NewNotFoundError("matching record").WithDetail("collection", q.Collection)
		}
	case model.QueryModeCount:
		if counter, ok := s.repo.(repository.Counter); ok && model.IsAllFilter(filter) {
			n, err := counter.Count(ctx, q.Collection)
			if err != nil {
				return nil, s.storeError(ctx, "count", q.Collection, "", err)
			}
			result.Count = int(n)
			break
		}
		for _, err := range s.scan(ctx, q.Collection, filter, 0) {
			if err != nil {
				return nil, err
			}
			result.Count++
		}
	}
	return result, nil
}

func (s *Store) scan(ctx context.Context, collection string, filter model.Filter, limit int) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		n := 0
		for rec, err := range s.repo.Scan(ctx, collection) {
			if err != nil {
				yield(nil, s.storeError(ctx, "scan", collection, "", err))
				return
			}
			if !filter.Match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
			n++
			if limit > 0 && n >= limit {
				return
			}
		}
	}
}

// Reencode re-validates every record of a collection and rewrites the ones
// whose stored representation differs from the normalized one. It walks the
// collection in stream mode so only one record is resident at a time.
func (s *Store) Reencode(ctx context.Context, collection string, progress func(ReencodeStats)) (ReencodeStats, error) {
	var stats ReencodeStats
	schema, err := s.registry.Lookup(collection)
	if err != nil {
		return stats, err
	}
	result, err := s.Query(ctx, model.Query{Collection: collection, Mode: model.QueryModeStream})
	if err != nil {
		return stats, err
	}

	log := s.log.WithContext(ctx)
	for rec, err := range result.Stream {
		if err != nil {
			return stats, err
		}
		stats.Scanned++

		normalized, verr := s.registry.ValidatePartial(schema, rec.Fields)
		switch {
		case verr != nil:
			stats.Invalid++
			log.Warn("Record does not match its schema",
				zap.String("collection", collection),
				zap.String("recordId", rec.ID),
				zap.Error(verr))
		case reflect.DeepEqual(rec.Fields, normalized):
			stats.Unchanged++
		default:
			if _, err := s.Update(ctx, collection, rec.ID, normalized); err != nil {
				if errors.IsNotFound(err) {
					continue
				}
				return stats, err
			}
			stats.Rewritten++
		}
		if progress != nil {
			progress(stats)
		}
	}

	log.Info("Collection re-encoded",
		zap.String("collection", collection),
		zap.Int("scanned", stats.Scanned),
		zap.Int("rewritten", stats.Rewritten),
		zap.Int("invalid", stats.Invalid))
	return stats, nil
}

// publish runs after commit while the record lock is still held, so events of
// one record reach the change log in version order. A cancelled request must
// not suppress the event of a write that already happened.
func (s *Store) publish(ctx context.Context, kind model.ChangeKind, before, after *model.Record, version int64, payload model.Fields, at time.Time) {
	if s.publisher == nil {
		return
	}
	ref := after
	if ref == nil {
		ref = before
	}
	env := model.ChangeEnvelope{
		Event:  model.NewChangeEvent(kind, ref.Collection, ref.ID, version, payload, at),
		Before: before.Clone(),
		After:  after.Clone(),
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), env); err != nil {
		s.log.WithContext(ctx).Warn("Change committed but not recorded in event log",
			zap.String("collection", ref.Collection),
			zap.String("recordId", ref.ID),
			zap.Int64("serverVersion", version),
			zap.Error(err))
	}
}

// storeError keeps tagged errors and turns everything else into a retryable
// PersistenceError.
func (s *Store) storeError(ctx context.Context, op, collection, id string, err error) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewPersistenceError(op + " interrupted").WithCause(err)
	}
	s.log.WithContext(ctx).Error("Persistence backend failed",
		zap.String("operation", op),
		zap.String("collection", collection),
		zap.String("recordId", id),
		zap.Error(err))
	return errors.NewPersistenceError(op + " failed").WithCause(err).WithComponent("store")
}
