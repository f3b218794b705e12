package usecase

import (
	"context"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/repository"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/eventbus"
	"scout-sync/internal/shared/keylock"
	"scout-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// ChangeListener receives envelopes inside Publish. It must not block.
type ChangeListener func(ctx context.Context, env model.ChangeEnvelope) error

// Attachment is the result of ChangeLog.Attach.
type Attachment struct {
	// Unsubscribe removes the listener. Safe to call more than once.
	Unsubscribe func()
	// Head is the log position the listener is attached at.
	Head string
	// Complete is false when a cursor was given but the window no longer
	// covers it; nothing was replayed and the caller must re-snapshot.
	Complete bool
	Replayed int
}

// ChangeLog records committed changes in the recent window and fans them out
// to listeners. Publishes to one collection are serialized so that the log
// order and the delivery order agree.
type ChangeLog struct {
	events  repository.EventLog
	bus     *eventbus.Bus[model.ChangeEnvelope]
	locks   *keylock.KeyLock
	log     logger.Logger
	metrics Metrics
}

var _ ChangePublisher = (*ChangeLog)(nil)

// NewChangeLog creates a change log. events may be nil, in which case resume
// is never possible and every subscription takes a snapshot.
func NewChangeLog(events repository.EventLog, log logger.Logger, metrics Metrics) *ChangeLog {
	log = logger.OrNop(log).WithComponent("changelog")
	cfg := eventbus.DefaultBusConfig()
	cfg.Name = "changes"
	return &ChangeLog{
		events:  events,
		bus:     eventbus.NewBusWithConfig[model.ChangeEnvelope](log, cfg),
		locks:   keylock.New(),
		log:     log,
		metrics: orNopMetrics(metrics),
	}
}

// Publish appends the event to the event log and delivers it to every
// matching listener before returning. A failed append is returned but the
// envelope is still delivered to connected listeners; only resume is affected.
func (c *ChangeLog) Publish(ctx context.Context, env model.ChangeEnvelope) error {
	unlock := c.locks.Lock(env.Event.Collection)
	defer unlock()

	var appendErr error
	if c.events != nil {
		cursor, err := c.events.Append(ctx, env.Event)
		if err != nil {
			appendErr = errors.NewPersistenceError("append change event").WithCause(err).WithComponent("changelog")
		} else {
			env.Cursor = cursor
		}
	}

	res := c.bus.Publish(ctx, env)
	c.metrics.ObservePublish(env.Event.Collection, env.Event.Kind, res.Delivered, res.Failed)
	if res.Failed > 0 {
		c.log.WithContext(ctx).Warn("Some change listeners failed",
			zap.String("collection", env.Event.Collection),
			zap.String("recordId", env.Event.RecordID),
			zap.Int("failed", res.Failed))
	}
	return appendErr
}

// Subscribe registers a listener for every envelope accepted by predicate.
func (c *ChangeLog) Subscribe(predicate func(model.ChangeEnvelope) bool, listener ChangeListener) (unsubscribe func()) {
	return c.bus.Subscribe(predicate, eventbus.Handler[model.ChangeEnvelope](listener))
}

// Attach registers listener for one collection starting at the current log
// head. When cursor is not empty, the events after it are first replayed to
// listener if the window still covers them. No publish to the collection can
// interleave, so the listener sees every event after cursor exactly once.
func (c *ChangeLog) Attach(ctx context.Context, collection, cursor string, listener ChangeListener) (*Attachment, error) {
	unlock := c.locks.Lock(collection)
	defer unlock()

	att := &Attachment{Complete: cursor == ""}
	if c.events != nil {
		head, err := c.events.Head(ctx, collection)
		if err != nil {
			return nil, errors.NewPersistenceError("read event log head").WithCause(err).WithComponent("changelog")
		}
		att.Head = head

		if cursor != "" {
			events, complete, err := c.events.Since(ctx, collection, cursor)
			if err != nil {
				return nil, errors.NewPersistenceError("read event log").WithCause(err).WithComponent("changelog")
			}
			att.Complete = complete
			if complete {
				for _, e := range events {
					if err := listener(ctx, model.ChangeEnvelope{Event: e.Event, Cursor: e.Cursor}); err != nil {
						return nil, err
					}
					att.Replayed++
				}
			}
		}
	}

	att.Unsubscribe = c.bus.Subscribe(func(env model.ChangeEnvelope) bool {
		return env.Event.Collection == collection
	}, eventbus.Handler[model.ChangeEnvelope](listener))
	return att, nil
}

// Since returns the logged events after cursor.
func (c *ChangeLog) Since(ctx context.Context, collection, cursor string) ([]repository.LoggedEvent, bool, error) {
	if c.events == nil {
		return nil, false, nil
	}
	return c.events.Since(ctx, collection, cursor)
}

// Head returns the newest cursor of a collection.
func (c *ChangeLog) Head(ctx context.Context, collection string) (string, error) {
	if c.events == nil {
		return "", nil
	}
	return c.events.Head(ctx, collection)
}

// ListenerCount returns the number of registered listeners.
func (c *ChangeLog) ListenerCount() int {
	return c.bus.SubscriberCount()
}
