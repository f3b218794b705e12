package contextkeys

// contextKey is an unexported type to prevent collisions with context keys defined in
// other packages.
type contextKey string

// String makes contextKey satisfy the Stringer interface to assist with debugging.
func (c contextKey) String() string {
	return "scout-sync context key " + string(c)
}

const (
	// RequestIDKey is the key for the request id set by the HTTP layer.
	RequestIDKey = contextKey("requestID")
	// UserIDKey is the key for the authenticated principal's user id.
	UserIDKey = contextKey("userID")
	// PrincipalKey is the key for the authenticated principal.
	PrincipalKey = contextKey("principal")
	// ClientIDKey identifies the connected realtime client.
	ClientIDKey = contextKey("clientID")
	// CollectionKey is the entity collection an operation targets.
	CollectionKey = contextKey("collection")
	// ComponentKey names the component emitting logs.
	ComponentKey = contextKey("component")
	// OperationKey names the operation being executed.
	OperationKey = contextKey("operation")
)
