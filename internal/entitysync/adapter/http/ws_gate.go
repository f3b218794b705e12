package http

import (
	"sync"

	"scout-sync/internal/entitysync/usecase"
)

// gate is the sink of one WebSocket connection. Changes of a subscription
// whose initial state is still being written are held back; everything else
// goes straight to the connection's queue.
type gate struct {
	queue *usecase.ChannelSink
	limit int

	mu   sync.Mutex
	held map[string][]usecase.Delivery
}

func newGate(queue *usecase.ChannelSink, limit int) *gate {
	return &gate{queue: queue, limit: max(limit, 1), held: make(map[string][]usecase.Delivery)}
}

func (g *gate) Deliver(d usecase.Delivery) error {
	g.mu.Lock()
	if pending, ok := g.held[d.SubscriptionID]; ok {
		defer g.mu.Unlock()
		if len(pending) >= g.limit {
			return usecase.ErrSlowConsumer
		}
		g.held[d.SubscriptionID] = append(pending, d)
		return nil
	}
	g.mu.Unlock()
	return g.queue.Deliver(d)
}

func (g *gate) Close(reason error) { g.queue.Close(reason) }

// hold starts holding changes of subID.
func (g *gate) hold(subID string) {
	g.mu.Lock()
	g.held[subID] = nil
	g.mu.Unlock()
}

// discard drops the held changes of subID and stops holding.
func (g *gate) discard(subID string) {
	g.mu.Lock()
	delete(g.held, subID)
	g.mu.Unlock()
}

// release passes the held changes of subID to write in order, then stops
// holding. The caller must keep other writers off the connection until
// release returns.
func (g *gate) release(subID string, write func(usecase.Delivery) error) error {
	for {
		g.mu.Lock()
		pending := g.held[subID]
		if len(pending) == 0 {
			delete(g.held, subID)
			g.mu.Unlock()
			return nil
		}
		g.held[subID] = nil
		g.mu.Unlock()

		for _, d := range pending {
			if err := write(d); err != nil {
				g.discard(subID)
				return err
			}
		}
	}
}
