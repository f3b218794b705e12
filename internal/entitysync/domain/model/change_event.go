package model

import "time"

// ChangeKind classifies a committed mutation.
type ChangeKind string

const (
	ChangeKindCreate  ChangeKind = "create"
	ChangeKindUpdate  ChangeKind = "update"
	ChangeKindDelete  ChangeKind = "delete"
	ChangeKindArchive ChangeKind = "archive"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeKindCreate, ChangeKindUpdate, ChangeKindDelete, ChangeKindArchive:
		return true
	}
	return false
}

// ChangeEvent is the wire form of a committed change.
//
// Payload holds the full field map for create, only the changed fields for
// update, {"archived": bool} for archive and an empty object for delete.
// Timestamp is the commit time in milliseconds since the epoch.
type ChangeEvent struct {
	Collection    string     `json:"collection"`
	RecordID      string     `json:"recordId"`
	Kind          ChangeKind `json:"kind"`
	Payload       Fields     `json:"payload"`
	ServerVersion int64      `json:"serverVersion"`
	Timestamp     int64      `json:"timestamp"`
}

// NewChangeEvent builds the event for rec at the given commit time.
func NewChangeEvent(kind ChangeKind, collection, recordID string, version int64, payload Fields, at time.Time) ChangeEvent {
	if payload == nil {
		payload = Fields{}
	}
	return ChangeEvent{
		Collection:    collection,
		RecordID:      recordID,
		Kind:          kind,
		Payload:       payload,
		ServerVersion: version,
		Timestamp:     at.UnixMilli(),
	}
}

// Time returns the commit time.
func (e ChangeEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// ArchivedFlag extracts the flag from an archive payload.
func (e ChangeEvent) ArchivedFlag() (bool, bool) {
	v, ok := e.Payload["archived"].(bool)
	return v, ok
}

// ChangeEnvelope is what travels inside the server between the store and its
// listeners. Before and After hold the full record state around the change;
// they are nil for a create (Before), a delete (After) and for events replayed
// from the event log (both).
type ChangeEnvelope struct {
	Event  ChangeEvent
	Before *Record
	After  *Record
	Cursor string
}

// Replayed reports whether the envelope carries no record state.
func (e ChangeEnvelope) Replayed() bool {
	return e.Before == nil && e.After == nil
}
