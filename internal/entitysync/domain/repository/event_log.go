package repository

import (
	"context"

	"scout-sync/internal/entitysync/domain/model"
)

// LoggedEvent is a change event together with its position in the log.
type LoggedEvent struct {
	Cursor string
	Event  model.ChangeEvent
}

// EventLog keeps a bounded recent window of change events per collection so
// reconnecting clients can resume without a full snapshot. Cursors are opaque
// and ordered within one collection.
type EventLog interface {
	// Append stores an event and returns its cursor.
	Append(ctx context.Context, event model.ChangeEvent) (string, error)

	// Since returns the events after cursor. complete is false when the
	// window no longer covers the cursor and the caller must re-snapshot.
	Since(ctx context.Context, collection, cursor string) (events []LoggedEvent, complete bool, err error)

	// Head returns the cursor of the newest event, or the empty position.
	Head(ctx context.Context, collection string) (string, error)
}
