package client

import (
	"context"
	"sync"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalTransport connects a Cache to an in-process server. It registers as
// one client of the subscription manager.
type LocalTransport struct {
	store    *usecase.Store
	manager  *usecase.SubscriptionManager
	log      logger.Logger
	clientID string
	sink     *usecase.ChannelSink

	mu      sync.Mutex
	streams map[string]*orderedStream
	closed  bool

	wg sync.WaitGroup
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport connects to manager as principal. buffer bounds the
// changes waiting for delivery before the server drops the client.
func NewLocalTransport(store *usecase.Store, manager *usecase.SubscriptionManager, principal *model.Principal, buffer int, log logger.Logger) (*LocalTransport, error) {
	sink := usecase.NewChannelSink(buffer)
	clientID, err := manager.Connect("", principal, sink)
	if err != nil {
		return nil, err
	}
	t := &LocalTransport{
		store:    store,
		manager:  manager,
		log:      logger.OrNop(log).WithComponent("local_transport"),
		clientID: clientID,
		sink:     sink,
		streams:  make(map[string]*orderedStream),
	}
	t.wg.Add(1)
	go t.pump()
	return t, nil
}

// ClientID is the id this transport is registered under.
func (t *LocalTransport) ClientID() string { return t.clientID }

func (t *LocalTransport) pump() {
	defer t.wg.Done()
	for {
		select {
		case d := <-t.sink.Deliveries():
			t.mu.Lock()
			s := t.streams[d.SubscriptionID]
			t.mu.Unlock()
			if s != nil {
				s.push(StreamEvent{Kind: StreamChange, Event: d.Event, Record: d.Record, Cursor: d.Cursor})
			}
		case <-t.sink.Done():
			t.mu.Lock()
			streams := t.streams
			t.streams = make(map[string]*orderedStream)
			t.closed = true
			t.mu.Unlock()
			for _, s := range streams {
				s.push(StreamEvent{Kind: StreamClosed, Err: t.sink.Err()})
			}
			return
		}
	}
}

func (t *LocalTransport) Fetch(ctx context.Context, collection, id string) (*model.Record, error) {
	return t.store.Get(ctx, collection, id)
}

func (t *LocalTransport) Update(ctx context.Context, collection, id string, fields model.Fields) (*model.Record, error) {
	return t.store.Update(ctx, collection, id, fields)
}

// Subscribe opens a stream-mode subscription. Changes that arrive while the
// snapshot is being read are held back and delivered after it.
func (t *LocalTransport) Subscribe(ctx context.Context, opts SubscribeOptions, handler StreamHandler) (RemoteSubscription, error) {
	subID := uuid.NewString()
	stream := newOrderedStream(handler)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.streams[subID] = stream
	t.mu.Unlock()

	resp, err := t.manager.Subscribe(ctx, usecase.SubscribeRequest{
		ClientID:        t.clientID,
		SubscriptionID:  subID,
		Collection:      opts.Collection,
		Filter:          opts.Filter,
		Mode:            model.QueryModeStream,
		ExcludeArchived: opts.ExcludeArchived,
		ResumeCursor:    opts.ResumeCursor,
	})
	if err != nil {
		t.dropStream(subID)
		return nil, err
	}

	err = stream.open(func(emit StreamHandler) error {
		if resp.Resumed {
			emit(StreamEvent{Kind: StreamResumed, Cursor: resp.Cursor})
			return nil
		}
		emit(StreamEvent{Kind: StreamSnapshotStart, Resnapshot: resp.Resnapshot})
		for rec, err := range resp.Stream {
			if err != nil {
				return err
			}
			emit(StreamEvent{Kind: StreamSnapshotRecord, Record: rec})
		}
		emit(StreamEvent{Kind: StreamSnapshotEnd, Cursor: resp.Cursor})
		return nil
	})
	if err != nil {
		t.dropStream(subID)
		_ = t.manager.Unsubscribe(ctx, t.clientID, subID)
		return nil, err
	}
	return &localSubscription{id: subID, transport: t}, nil
}

func (t *LocalTransport) dropStream(subID string) {
	t.mu.Lock()
	delete(t.streams, subID)
	t.mu.Unlock()
}

// Close disconnects from the manager and waits for the delivery goroutine.
func (t *LocalTransport) Close() error {
	t.manager.Disconnect(context.Background(), t.clientID, nil)
	t.wg.Wait()
	return nil
}

type localSubscription struct {
	id        string
	transport *LocalTransport
	once      sync.Once
}

func (s *localSubscription) ID() string { return s.id }

func (s *localSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.transport.dropStream(s.id)
		err = s.transport.manager.Unsubscribe(context.Background(), s.transport.clientID, s.id)
		if err != nil {
			s.transport.log.Debug("Unsubscribe after disconnect", zap.String("subscriptionId", s.id), zap.Error(err))
			err = nil
		}
	})
	return err
}
