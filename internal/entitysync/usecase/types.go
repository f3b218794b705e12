package usecase

import (
	"iter"
	"time"

	"scout-sync/internal/entitysync/domain/model"
)

// Request/Response DTOs

type CreateRecordRequest struct {
	Collection string         `json:"collection" validate:"required"`
	Fields     map[string]any `json:"fields" validate:"required"`
}

type UpdateRecordRequest struct {
	Collection string         `json:"collection" validate:"required"`
	RecordID   string         `json:"recordId" validate:"required"`
	Fields     map[string]any `json:"fields" validate:"required"`
}

type QueryRequest struct {
	Mode            model.QueryMode  `json:"mode"`
	Filter          model.FilterSpec `json:"filter"`
	Limit           int              `json:"limit,omitempty"`
	ExcludeArchived bool             `json:"excludeArchived,omitempty"`
}

// SubscribeRequest opens a subscription for a connected client. SubscriptionID
// is optional; a UUID is assigned when empty.
type SubscribeRequest struct {
	ClientID        string
	SubscriptionID  string
	Collection      string
	Filter          model.FilterSpec
	Mode            model.QueryMode
	Limit           int
	ExcludeArchived bool

	// ResumeCursor replays the changes after this event log position instead
	// of taking a snapshot, when the recent window still covers it. Only a
	// subscription over every record resumes; any other takes a fresh
	// snapshot with Resnapshot set.
	ResumeCursor string
}

// SubscribeResponse is the initial state of a subscription. Live modes carry
// the subscription and either a snapshot (Records for all, Stream for stream)
// or Resumed when the backlog was replayed into the client's sink. single and
// count modes carry Record or Count and register nothing.
type SubscribeResponse struct {
	Subscription *model.Subscription
	Mode         model.QueryMode
	Cursor       string

	Record  *model.Record
	Records []*model.Record
	Stream  iter.Seq2[*model.Record, error]
	Count   int

	Resumed    bool
	Resnapshot bool
}

// ReencodeStats counts what a bulk re-encode did.
type ReencodeStats struct {
	Scanned   int `json:"scanned"`
	Rewritten int `json:"rewritten"`
	Unchanged int `json:"unchanged"`
	Invalid   int `json:"invalid"`
}

// Metrics receives the operational counters of the usecases.
type Metrics interface {
	ObserveStoreOperation(op, collection string, err error, elapsed time.Duration)
	ObservePublish(collection string, kind model.ChangeKind, delivered, failed int)
	SubscriptionOpened(collection string, mode model.QueryMode)
	SubscriptionClosed(collection string)
	ClientDropped(reason string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveStoreOperation(string, string, error, time.Duration) {}
func (NopMetrics) ObservePublish(string, model.ChangeKind, int, int)          {}
func (NopMetrics) SubscriptionOpened(string, model.QueryMode)                 {}
func (NopMetrics) SubscriptionClosed(string)                                  {}
func (NopMetrics) ClientDropped(string)                                       {}

func orNopMetrics(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
