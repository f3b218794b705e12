package client

import (
	stderrors "errors"
	"sync"
)

var errTransportClosed = stderrors.New("transport closed")

// orderedStream hands events of one subscription to its handler in order.
// Until open has emitted the snapshot, pushed changes are queued.
type orderedStream struct {
	handler StreamHandler

	deliverMu sync.Mutex

	mu      sync.Mutex
	ready   bool
	backlog []StreamEvent
}

func newOrderedStream(handler StreamHandler) *orderedStream {
	return &orderedStream{handler: handler}
}

func (s *orderedStream) push(ev StreamEvent) {
	s.mu.Lock()
	if !s.ready {
		s.backlog = append(s.backlog, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.handler(ev)
}

// open runs snapshot, which passes the initial events to emit, then flushes
// the queued changes and switches to direct delivery.
func (s *orderedStream) open(snapshot func(emit StreamHandler) error) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if err := snapshot(s.handler); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		pending := s.backlog
		s.backlog = nil
		if len(pending) == 0 {
			s.ready = true
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		for _, ev := range pending {
			s.handler(ev)
		}
	}
}

// reset queues pushes again until the next open.
func (s *orderedStream) reset() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}
