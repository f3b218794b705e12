package model

// Client actions accepted on the realtime socket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionGet         = "get"
	ActionQuery       = "query"
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionArchive     = "archive"
	ActionDelete      = "delete"
	ActionPing        = "ping"
)

// Server message types sent on the realtime socket.
const (
	MessageTypeSubscribed     = "subscription_confirmed"
	MessageTypeUnsubscribed   = "unsubscription_confirmed"
	MessageTypeSnapshotRecord = "snapshot_record"
	MessageTypeSnapshotEnd    = "snapshot_end"
	MessageTypeChange         = "change"
	MessageTypeResult         = "result"
	MessageTypeError          = "error"
	MessageTypeHeartbeat      = "heartbeat"
	MessageTypePong           = "pong"
	MessageTypeDisconnect     = "disconnect"
)

// ClientMessage is a request sent by a client over the realtime socket.
type ClientMessage struct {
	// Action is one of the Action* constants.
	Action string `json:"action"`

	// RequestID correlates the reply with this request.
	RequestID string `json:"requestId,omitempty"`

	// SubscriptionID names the subscription for subscribe and unsubscribe.
	SubscriptionID string `json:"subscriptionId,omitempty"`

	Collection string     `json:"collection,omitempty"`
	RecordID   string     `json:"recordId,omitempty"`
	Fields     Fields     `json:"fields,omitempty"`
	Filter     FilterSpec `json:"filter,omitempty"`
	Mode       QueryMode  `json:"mode,omitempty"`
	Limit      int        `json:"limit,omitempty"`

	// Archived is the target flag of an archive request.
	Archived *bool `json:"archived,omitempty"`

	ExcludeArchived bool `json:"excludeArchived,omitempty"`

	// ResumeCursor asks the server to replay changes after this position
	// instead of sending a fresh snapshot.
	ResumeCursor string `json:"resumeCursor,omitempty"`
}

// ServerMessage is a reply or push sent by the server over the realtime socket.
type ServerMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`

	// Cursor is the event log position of a change, or the head position
	// at the moment a subscription was confirmed.
	Cursor string `json:"cursor,omitempty"`

	Event   *ChangeEvent `json:"event,omitempty"`
	Record  *Record      `json:"record,omitempty"`
	Records []*Record    `json:"records,omitempty"`
	Count   *int         `json:"count,omitempty"`

	// Resnapshot is set on a subscription confirmation when the requested
	// resume cursor fell out of the event log window; Records then holds a
	// fresh snapshot the client must reconcile against.
	Resnapshot bool `json:"resnapshot,omitempty"`

	// Resumed is set on a subscription confirmation when the changes after
	// the resume cursor follow instead of a snapshot.
	Resumed bool `json:"resumed,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error payload shared by the socket and the REST API.
type ErrorBody struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
