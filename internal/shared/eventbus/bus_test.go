package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type dummyEvent struct {
	kind string
	n    int
}

func TestBus_SubscribePublish(t *testing.T) {
	bus := NewBus[dummyEvent](nil)
	var got []dummyEvent
	bus.Subscribe(nil, func(ctx context.Context, event dummyEvent) error {
		got = append(got, event)
		return nil
	})

	res := bus.Publish(context.Background(), dummyEvent{kind: "test", n: 1})

	assert.Equal(t, PublishResult{Delivered: 1}, res)
	assert.Equal(t, []dummyEvent{{kind: "test", n: 1}}, got)
}

func TestBus_PredicateFiltersEvents(t *testing.T) {
	bus := NewBus[dummyEvent](nil)
	var got []string
	bus.Subscribe(func(e dummyEvent) bool { return e.kind == "keep" }, func(ctx context.Context, e dummyEvent) error {
		got = append(got, e.kind)
		return nil
	})

	bus.Publish(context.Background(), dummyEvent{kind: "drop"})
	bus.Publish(context.Background(), dummyEvent{kind: "keep"})

	assert.Equal(t, []string{"keep"}, got)
}

func TestBus_FailingHandlersAreIsolated(t *testing.T) {
	bus := NewBus[dummyEvent](nil)
	var reached []int

	bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		reached = append(reached, 1)
		return errors.New("broken subscriber")
	})
	bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		reached = append(reached, 2)
		panic("worse subscriber")
	})
	bus.Subscribe(func(e dummyEvent) bool { panic("bad predicate") }, func(ctx context.Context, e dummyEvent) error {
		reached = append(reached, 3)
		return nil
	})
	bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		reached = append(reached, 4)
		return nil
	})

	var res PublishResult
	assert.NotPanics(t, func() {
		res = bus.Publish(context.Background(), dummyEvent{kind: "x"})
	})
	assert.Equal(t, []int{1, 2, 4}, reached)
	assert.Equal(t, PublishResult{Delivered: 1, Failed: 2}, res)
}

func TestBus_RetriesFailingHandler(t *testing.T) {
	bus := NewBusWithConfig[dummyEvent](nil, BusConfig{Name: "retry", MaxRetries: 2, RetryDelay: time.Millisecond})
	attempts := 0
	bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	res := bus.Publish(context.Background(), dummyEvent{})
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, res.Delivered)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus[dummyEvent](nil)
	calls := 0
	unsubscribe := bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(context.Background(), dummyEvent{})
	unsubscribe()
	unsubscribe()
	bus.Publish(context.Background(), dummyEvent{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_UnsubscribeDuringPublishSkipsLaterHandler(t *testing.T) {
	bus := NewBus[dummyEvent](nil)
	var second func()
	secondCalls := 0
	bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		second()
		return nil
	})
	second = bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		secondCalls++
		return nil
	})

	bus.Publish(context.Background(), dummyEvent{})
	assert.Zero(t, secondCalls)
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewBus[dummyEvent](nil)
	calls := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe(nil, func(ctx context.Context, e dummyEvent) error {
		calls++
		unsubscribe()
		return nil
	})

	res := bus.Publish(context.Background(), dummyEvent{})
	assert.Equal(t, 1, res.Delivered)
	res = bus.Publish(context.Background(), dummyEvent{})
	assert.Zero(t, res.Delivered)
	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.SubscriberCount())
}
