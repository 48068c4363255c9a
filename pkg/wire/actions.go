package wire

// Actions on the agent channel (hub <-> agent daemon).
const (
	// agent -> hub
	ActionRegister     = "register"
	ActionHeartbeat    = "heartbeat"
	ActionWorkerStatus = "worker:status"
	ActionWorkerEvent  = "worker:event"

	// hub -> agent
	ActionWorkerStart = "worker:start"
	ActionWorkerInput = "worker:input"
	ActionWorkerStop  = "worker:stop"
)

// Actions on the client channel (browser <-> hub).
const (
	// client -> hub
	ActionSessionOpen   = "session:open"
	ActionSessionInput  = "session:input"
	ActionSessionCancel = "session:cancel"

	// hub -> client
	ActionSessionSnapshot   = "session:snapshot"
	ActionSessionEvent      = "session:event"
	ActionSessionStatus     = "session:status"
	ActionAgentList         = "agent:list"
	ActionAgentConnected    = "agent:connected"
	ActionAgentDisconnected = "agent:disconnected"
)

// Error codes carried by error frames.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeNoAgent       = "NO_AGENT"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
