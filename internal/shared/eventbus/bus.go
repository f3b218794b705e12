package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"scout-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// Handler processes one published event. Returned errors are logged, never propagated.
type Handler[E any] func(ctx context.Context, event E) error

// Predicate selects the events a handler receives. A nil predicate accepts everything.
type Predicate[E any] func(event E) bool

// BusConfig holds configuration for the event bus
type BusConfig struct {
	// Name is used in log lines to tell buses apart.
	Name       string
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultBusConfig returns default configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Name:       "eventbus",
		MaxRetries: 0,
		RetryDelay: 10 * time.Millisecond,
	}
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	Delivered int
	Failed    int
}

type registration[E any] struct {
	id        uint64
	predicate Predicate[E]
	handler   Handler[E]
	active    atomic.Bool
}

// Bus is an in-process, synchronous publish/subscribe bus. Handlers run inside
// Publish in subscription order; a failing or panicking handler does not stop
// delivery to the others.
type Bus[E any] struct {
	mu       sync.RWMutex
	handlers map[uint64]*registration[E]
	nextID   uint64
	logger   logger.Logger
	config   BusConfig
}

// NewBus creates a new event bus instance
func NewBus[E any](log logger.Logger) *Bus[E] {
	return NewBusWithConfig[E](log, DefaultBusConfig())
}

// NewBusWithConfig creates a new event bus with custom configuration
func NewBusWithConfig[E any](log logger.Logger, config BusConfig) *Bus[E] {
	return &Bus[E]{
		handlers: make(map[uint64]*registration[E]),
		logger:   logger.OrNop(log),
		config:   config,
	}
}

// Subscribe registers handler for every future event accepted by predicate.
// The returned function removes the registration. Publish calls that begin
// after it returns skip the handler. A Publish already in progress may still
// make one call to it; that call is not waited for, so a handler may
// unsubscribe itself. Calling it more than once is harmless.
func (b *Bus[E]) Subscribe(predicate Predicate[E], handler Handler[E]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	reg := &registration[E]{id: b.nextID, predicate: predicate, handler: handler}
	reg.active.Store(true)
	b.handlers[reg.id] = reg
	b.mu.Unlock()

	b.logger.Debug("Handler subscribed", zap.String("bus", b.config.Name), zap.Uint64("handlerID", reg.id))

	return func() {
		if !reg.active.CompareAndSwap(true, false) {
			return
		}
		b.mu.Lock()
		delete(b.handlers, reg.id)
		b.mu.Unlock()
		b.logger.Debug("Handler unsubscribed", zap.String("bus", b.config.Name), zap.Uint64("handlerID", reg.id))
	}
}

// Publish delivers event to every matching handler before returning.
func (b *Bus[E]) Publish(ctx context.Context, event E) PublishResult {
	b.mu.RLock()
	regs := make([]*registration[E], 0, len(b.handlers))
	for _, reg := range b.handlers {
		regs = append(regs, reg)
	}
	b.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	var result PublishResult
	for _, reg := range regs {
		if !reg.active.Load() {
			continue
		}
		if reg.predicate != nil && !b.matches(reg, event) {
			continue
		}
		if err := b.executeHandler(ctx, event, reg); err != nil {
			result.Failed++
			continue
		}
		result.Delivered++
	}
	return result
}

func (b *Bus[E]) matches(reg *registration[E], event E) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Predicate panicked", zap.String("bus", b.config.Name), zap.Uint64("handlerID", reg.id), zap.Any("panic", r))
			ok = false
		}
	}()
	return reg.predicate(event)
}

// executeHandler executes a handler with retry logic and panic isolation
func (b *Bus[E]) executeHandler(ctx context.Context, event E, reg *registration[E]) error {
	var lastErr error

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			b.logger.Warn("Retrying handler",
				zap.String("bus", b.config.Name),
				zap.Uint64("handlerID", reg.id),
				zap.Int("attempt", attempt+1))
			time.Sleep(b.config.RetryDelay)
		}
		if !reg.active.Load() {
			return nil
		}

		if err := b.invoke(ctx, event, reg); err != nil {
			lastErr = err
			b.logger.Error("Handler failed",
				zap.String("bus", b.config.Name),
				zap.Uint64("handlerID", reg.id),
				zap.Error(err))
			continue
		}
		return nil
	}

	return fmt.Errorf("handler failed after %d attempts: %w", b.config.MaxRetries+1, lastErr)
}

func (b *Bus[E]) invoke(ctx context.Context, event E, reg *registration[E]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return reg.handler(ctx, event)
}

// SubscriberCount returns the number of active handlers
func (b *Bus[E]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
