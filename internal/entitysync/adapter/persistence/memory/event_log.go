package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/repository"

	gocache "github.com/patrickmn/go-cache"
)

// EventLog keeps the recent window in a go-cache instance. Every event expires
// after the window duration, and at most maxLength events are kept per
// collection. Cursors are decimal sequence numbers per collection.
type EventLog struct {
	c         *gocache.Cache
	window    time.Duration
	maxLength uint64

	mu  sync.Mutex
	seq map[string]uint64
}

var _ repository.EventLog = (*EventLog)(nil)

// NewEventLog creates an EventLog with the given window. A maxLength of zero
// means the window is bounded by time only.
func NewEventLog(window time.Duration, maxLength int) *EventLog {
	cleanup := window / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &EventLog{
		c:         gocache.New(window, cleanup),
		window:    window,
		maxLength: uint64(max(maxLength, 0)),
		seq:       make(map[string]uint64),
	}
}

func eventKey(collection string, seq uint64) string {
	return collection + "\x00" + strconv.FormatUint(seq, 10)
}

func (l *EventLog) Append(ctx context.Context, event model.ChangeEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq[event.Collection]++
	n := l.seq[event.Collection]
	l.c.Set(eventKey(event.Collection, n), event, gocache.DefaultExpiration)
	if l.maxLength > 0 && n > l.maxLength {
		l.c.Delete(eventKey(event.Collection, n-l.maxLength))
	}
	return strconv.FormatUint(n, 10), nil
}

// Since is complete only when every event after cursor is still cached.
func (l *EventLog) Since(ctx context.Context, collection, cursor string) ([]repository.LoggedEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	from, err := parseCursor(cursor)
	if err != nil {
		return nil, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.seq[collection]
	if from > head {
		return nil, false, nil
	}
	events := make([]repository.LoggedEvent, 0, head-from)
	for n := from + 1; n <= head; n++ {
		v, ok := l.c.Get(eventKey(collection, n))
		if !ok {
			return nil, false, nil
		}
		events = append(events, repository.LoggedEvent{
			Cursor: strconv.FormatUint(n, 10),
			Event:  v.(model.ChangeEvent),
		})
	}
	return events, true, nil
}

func (l *EventLog) Head(ctx context.Context, collection string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return strconv.FormatUint(l.seq[collection], 10), nil
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, fmt.Errorf("empty cursor")
	}
	return strconv.ParseUint(cursor, 10, 64)
}
