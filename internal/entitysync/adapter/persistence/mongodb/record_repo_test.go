package mongodb

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	apperrors "scout-sync/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection keeps BSON documents in memory and understands the filters
// the repository issues: {_id} and {_id, server_version}.
type fakeCollection struct {
	mu    sync.Mutex
	docs  map[string][]byte
	order []string

	// stolenWrites makes the next ReplaceOne calls lose the race to another writer.
	stolenWrites int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string][]byte)}
}

func (f *fakeCollection) InsertOne(ctx context.Context, doc interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := doc.(*recordDocument)
	if _, exists := f.docs[d.ID]; exists {
		return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "duplicate key"}}}
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, err
	}
	f.docs[d.ID] = raw
	f.order = append(f.order, d.ID)
	return d.ID, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter interface{}) SingleResultInterface {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.docs[filter.(bson.M)["_id"].(string)]
	if !ok {
		return fakeResult{err: mongo.ErrNoDocuments}
	}
	return fakeResult{raw: raw}
}

func (f *fakeCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (UpdateResultInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := filter.(bson.M)
	id := m["_id"].(string)
	raw, ok := f.docs[id]
	if !ok {
		return &MongoUpdateResultAdapter{}, nil
	}
	var stored recordDocument
	if err := bson.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}

	if f.stolenWrites > 0 {
		f.stolenWrites--
		stored.Version++
		stored.Fields["name"] = "other writer"
		f.docs[id], _ = bson.Marshal(&stored)
		return &MongoUpdateResultAdapter{}, nil
	}

	if v, ok := m["server_version"].(int64); ok && v != stored.Version {
		return &MongoUpdateResultAdapter{}, nil
	}
	next, err := bson.Marshal(replacement)
	if err != nil {
		return nil, err
	}
	f.docs[id] = next
	return &MongoUpdateResultAdapter{matched: 1}, nil
}

func (f *fakeCollection) FindOneAndDelete(ctx context.Context, filter interface{}) SingleResultInterface {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	raw, ok := f.docs[id]
	if !ok {
		return fakeResult{err: mongo.ErrNoDocuments}
	}
	delete(f.docs, id)
	f.order = slices.DeleteFunc(f.order, func(s string) bool { return s == id })
	return fakeResult{raw: raw}
}

func (f *fakeCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (CursorInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := &fakeCursor{}
	for _, id := range f.order {
		cur.docs = append(cur.docs, f.docs[id])
	}
	return cur, nil
}

func (f *fakeCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.docs)), nil
}

type fakeResult struct {
	raw []byte
	err error
}

func (r fakeResult) Decode(v interface{}) error {
	if r.err != nil {
		return r.err
	}
	return bson.Unmarshal(r.raw, v)
}

type fakeCursor struct {
	docs   [][]byte
	pos    int
	pulled int
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	c.pulled++
	return true
}
func (c *fakeCursor) Decode(val interface{}) error    { return bson.Unmarshal(c.docs[c.pos-1], val) }
func (c *fakeCursor) Close(ctx context.Context) error { c.closed = true; return nil }
func (c *fakeCursor) Err() error                      { return nil }

func newTestRepo() (*RecordRepository, *fakeCollection) {
	coll := newFakeCollection()
	repo := NewRecordRepositoryWithProvider(func(string) CollectionInterface { return coll }, nil, nil)
	return repo, coll
}

func sampleRecord(id string) *model.Record {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	return &model.Record{
		ID:         id,
		Collection: "matches",
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
		Fields: model.Fields{
			"name":      id,
			"round":     float64(3),
			"scheduled": now.Add(time.Hour),
			"played":    false,
		},
	}
}

func TestRecordRepository_RoundTripKeepsFieldTypes(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	rec := sampleRecord("m1")
	require.NoError(t, repo.Insert(ctx, rec))

	got, err := repo.Get(ctx, "matches", "m1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	err = repo.Insert(ctx, rec)
	assert.True(t, apperrors.IsPersistence(err))

	_, err = repo.Get(ctx, "matches", "nope")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecordRepository_MutateRetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo, coll := newTestRepo()
	require.NoError(t, repo.Insert(ctx, sampleRecord("m1")))
	coll.stolenWrites = 2

	calls := 0
	updated, err := repo.Mutate(ctx, "matches", "m1", func(cur *model.Record) (*model.Record, error) {
		calls++
		cur.Version++
		cur.Fields["round"] = float64(4)
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(4), updated.Version)
	assert.Equal(t, "other writer", updated.Fields["name"])

	coll.stolenWrites = defaultMaxAttempts
	_, err = repo.Mutate(ctx, "matches", "m1", func(cur *model.Record) (*model.Record, error) {
		cur.Version++
		return cur, nil
	})
	assert.True(t, apperrors.IsPersistence(err))
}

func TestRecordRepository_DeleteAndScan(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, repo.Insert(ctx, sampleRecord(id)))
	}

	removed, err := repo.Delete(ctx, "matches", "m2")
	require.NoError(t, err)
	assert.Equal(t, "m2", removed.ID)
	_, err = repo.Delete(ctx, "matches", "m2")
	assert.True(t, apperrors.IsNotFound(err))

	var ids []string
	for rec, err := range repo.Scan(ctx, "matches") {
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"m1", "m3"}, ids)

	n, err := repo.Count(ctx, "matches")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, repo.Ping(ctx))
}

func TestRecordRepository_ScanStopsPullingWhenConsumerStops(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	var cur *fakeCursor
	repo := NewRecordRepositoryWithProvider(func(string) CollectionInterface {
		return &cursorSpy{fakeCollection: coll, onFind: func(c *fakeCursor) { cur = c }}
	}, nil, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Insert(ctx, sampleRecord(id)))
	}

	for rec := range repo.Scan(ctx, "matches") {
		if rec.ID == "b" {
			break
		}
	}
	require.NotNil(t, cur)
	assert.Equal(t, 2, cur.pulled)
	assert.True(t, cur.closed)
}

type cursorSpy struct {
	*fakeCollection
	onFind func(*fakeCursor)
}

func (s *cursorSpy) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (CursorInterface, error) {
	c, err := s.fakeCollection.Find(ctx, filter, opts...)
	s.onFind(c.(*fakeCursor))
	return c, err
}
