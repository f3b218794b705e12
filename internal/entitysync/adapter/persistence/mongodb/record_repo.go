package mongodb

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/repository"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	defaultBatchSize   = 200
)

// CollectionProvider returns the MongoDB collection that stores one entity collection.
type CollectionProvider func(name string) CollectionInterface

// recordDocument is the stored shape of a record.
type recordDocument struct {
	ID        string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Archived  bool      `bson:"archived"`
	Version   int64     `bson:"server_version"`
	Fields    bson.M    `bson:"fields"`
}

// RecordRepository stores each entity collection in its own MongoDB collection.
// Read-modify-write is an optimistic compare-and-swap on server_version, so
// several processes may share one database.
type RecordRepository struct {
	collections CollectionProvider
	ping        func(ctx context.Context) error
	maxAttempts int
	batchSize   int32
	log         logger.Logger
}

var (
	_ repository.RecordRepository = (*RecordRepository)(nil)
	_ repository.Counter          = (*RecordRepository)(nil)
)

// NewRecordRepository creates a repository on db. Collection names get prefix prepended.
func NewRecordRepository(db *mongo.Database, prefix string, log logger.Logger) *RecordRepository {
	provider := func(name string) CollectionInterface {
		return NewMongoCollectionAdapter(db.Collection(prefix + name))
	}
	ping := func(ctx context.Context) error {
		return db.Client().Ping(ctx, nil)
	}
	return NewRecordRepositoryWithProvider(provider, ping, log)
}

// NewRecordRepositoryWithProvider creates a repository over arbitrary collections.
func NewRecordRepositoryWithProvider(provider CollectionProvider, ping func(ctx context.Context) error, log logger.Logger) *RecordRepository {
	return &RecordRepository{
		collections: provider,
		ping:        ping,
		maxAttempts: defaultMaxAttempts,
		batchSize:   defaultBatchSize,
		log:         logger.OrNop(log).WithComponent("mongo_record_repository"),
	}
}

func (r *RecordRepository) Insert(ctx context.Context, rec *model.Record) error {
	_, err := r.collections(rec.Collection).InsertOne(ctx, toDocument(rec))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.NewPersistenceError("record already exists").
				WithCode("DUPLICATE_ID").
				WithDetail("id", rec.ID).
				WithCause(err)
		}
		r.log.Error("Failed to insert record",
			zap.String("collection", rec.Collection),
			zap.String("recordId", rec.ID),
			zap.Error(err))
		return errors.NewPersistenceError("insert failed").WithCause(err)
	}
	return nil
}

func (r *RecordRepository) Get(ctx context.Context, collection, id string) (*model.Record, error) {
	var doc recordDocument
	if err := r.collections(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, r.readError(err, collection, id)
	}
	return fromDocument(collection, &doc), nil
}

// Mutate replaces the record only if server_version still holds the value fn
// saw, retrying with a fresh read when another writer got there first.
func (r *RecordRepository) Mutate(ctx context.Context, collection, id string, fn repository.MutateFunc) (*model.Record, error) {
	coll := r.collections(collection)
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		current, err := r.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(current.Clone())
		if err != nil {
			return nil, err
		}

		res, err := coll.ReplaceOne(ctx,
			bson.M{"_id": id, "server_version": current.Version},
			toDocument(next))
		if err != nil {
			r.log.Error("Failed to replace record",
				zap.String("collection", collection),
				zap.String("recordId", id),
				zap.Error(err))
			return nil, errors.NewPersistenceError("update failed").WithCause(err)
		}
		if res.Matched() == 1 {
			return next, nil
		}
		r.log.Debug("Version conflict, retrying",
			zap.String("collection", collection),
			zap.String("recordId", id),
			zap.Int("attempt", attempt))
	}
	return nil, errors.NewPersistenceError("concurrent modification").
		WithCode("VERSION_CONFLICT").
		WithDetail("id", id)
}

func (r *RecordRepository) Delete(ctx context.Context, collection, id string) (*model.Record, error) {
	var doc recordDocument
	if err := r.collections(collection).FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, r.readError(err, collection, id)
	}
	return fromDocument(collection, &doc), nil
}

// Scan streams the collection through a server-side cursor in batches.
func (r *RecordRepository) Scan(ctx context.Context, collection string) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		opts := options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetBatchSize(r.batchSize)
		cursor, err := r.collections(collection).Find(ctx, bson.M{}, opts)
		if err != nil {
			yield(nil, errors.NewPersistenceError("scan failed").WithCause(err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		for cursor.Next(ctx) {
			var doc recordDocument
			if err := cursor.Decode(&doc); err != nil {
				yield(nil, errors.NewPersistenceError("decode failed").WithCause(err))
				return
			}
			if !yield(fromDocument(collection, &doc), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, errors.NewPersistenceError("scan failed").WithCause(err))
		}
	}
}

// Count returns the number of stored records of a collection.
func (r *RecordRepository) Count(ctx context.Context, collection string) (int64, error) {
	n, err := r.collections(collection).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, errors.NewPersistenceError("count failed").WithCause(err)
	}
	return n, nil
}

func (r *RecordRepository) Ping(ctx context.Context) error {
	if r.ping == nil {
		return nil
	}
	return r.ping(ctx)
}

func (r *RecordRepository) readError(err error, collection, id string) error {
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return errors.NewNotFoundError(fmt.Sprintf("record %s/%s", collection, id))
	}
	r.log.Error("Failed to read record",
		zap.String("collection", collection),
		zap.String("recordId", id),
		zap.Error(err))
	return errors.NewPersistenceError("read failed").WithCause(err)
}

func toDocument(rec *model.Record) *recordDocument {
	fields := make(bson.M, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	return &recordDocument{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Archived:  rec.Archived,
		Version:   rec.Version,
		Fields:    fields,
	}
}

func fromDocument(collection string, doc *recordDocument) *model.Record {
	fields := make(model.Fields, len(doc.Fields))
	for k, v := range doc.Fields {
		fields[k] = fromBSONValue(v)
	}
	return &model.Record{
		ID:         doc.ID,
		Collection: collection,
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
		Archived:   doc.Archived,
		Version:    doc.Version,
		Fields:     fields,
	}
}

// fromBSONValue maps decoded BSON scalars back to the canonical field types.
func fromBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	}
	return v
}
