package client

import (
	"context"

	"scout-sync/internal/entitysync/domain/model"
)

// StreamEventKind tells what a StreamEvent carries.
type StreamEventKind int

const (
	// StreamSnapshotStart opens a snapshot. Resnapshot is set when a resume
	// cursor was rejected and the records replace what the client held.
	StreamSnapshotStart StreamEventKind = iota
	StreamSnapshotRecord
	StreamSnapshotEnd
	// StreamResumed replaces a snapshot when the server replays the changes
	// missed since the resume cursor.
	StreamResumed
	StreamChange
	// StreamClosed is the last event of a subscription.
	StreamClosed
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamSnapshotStart:
		return "snapshot_start"
	case StreamSnapshotRecord:
		return "snapshot_record"
	case StreamSnapshotEnd:
		return "snapshot_end"
	case StreamResumed:
		return "resumed"
	case StreamChange:
		return "change"
	case StreamClosed:
		return "closed"
	}
	return "unknown"
}

// StreamEvent is one item of a remote subscription. A StreamChange carries
// Record when the change brought the record into the subscription.
type StreamEvent struct {
	Kind       StreamEventKind
	Record     *model.Record
	Event      model.ChangeEvent
	Cursor     string
	Resnapshot bool
	Err        error
}

// StreamHandler receives the events of one subscription, one at a time and
// in server order.
type StreamHandler func(StreamEvent)

// SubscribeOptions describes a remote live query.
type SubscribeOptions struct {
	Collection      string
	Filter          model.FilterSpec
	ExcludeArchived bool
	ResumeCursor    string
}

// RemoteSubscription is an open live query on the server.
type RemoteSubscription interface {
	ID() string
	Close() error
}

// Transport connects a Cache to a server.
//
// Subscribe returns once the snapshot (or the resume notice) has been passed
// to handler; changes follow on the same handler.
type Transport interface {
	Fetch(ctx context.Context, collection, id string) (*model.Record, error)
	Update(ctx context.Context, collection, id string, fields model.Fields) (*model.Record, error)
	Subscribe(ctx context.Context, opts SubscribeOptions, handler StreamHandler) (RemoteSubscription, error)
	Close() error
}
