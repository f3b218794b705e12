package usecase

import (
	stderrors "errors"
	"sync"

	"scout-sync/internal/entitysync/domain/model"
)

var (
	// ErrSlowConsumer is returned by a sink whose queue is full.
	ErrSlowConsumer = stderrors.New("client cannot keep up with change events")
	// ErrSinkClosed is returned by a sink after Close.
	ErrSinkClosed = stderrors.New("client sink closed")
)

// Delivery is one change event addressed to one subscription.
type Delivery struct {
	SubscriptionID string
	Cursor         string
	Event          model.ChangeEvent

	// Record is the full state after an update or archive that brought the
	// record into the subscription. The client may not hold it yet, and the
	// event alone carries only the changed fields.
	Record *model.Record
}

// Sink is the per-client delivery target. Deliver is called inside the
// publishing write and must not block; it reports ErrSlowConsumer instead.
// Close is idempotent.
type Sink interface {
	Deliver(d Delivery) error
	Close(reason error)
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(d Delivery) error

func (f SinkFunc) Deliver(d Delivery) error { return f(d) }
func (f SinkFunc) Close(error)              {}

// ChannelSink queues deliveries on a buffered channel drained by a transport
// writer goroutine.
type ChannelSink struct {
	ch   chan Delivery
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason error
}

// NewChannelSink creates a sink that holds up to buffer undelivered events.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		ch:   make(chan Delivery, max(buffer, 1)),
		done: make(chan struct{}),
	}
}

func (s *ChannelSink) Deliver(d Delivery) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- d:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *ChannelSink) Close(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Deliveries is the queue the writer drains. It is never closed; select on
// Done as well.
func (s *ChannelSink) Deliveries() <-chan Delivery { return s.ch }

// Done is closed once the sink is closed.
func (s *ChannelSink) Done() <-chan struct{} { return s.done }

// Err returns the reason the sink was closed with.
func (s *ChannelSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
