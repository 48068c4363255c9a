// Package events defines the bus subjects the hub publishes on and the
// helpers for building per-resource subject names.
package events

// Event types for sessions
const (
	SessionCreated   = "session.created"
	SessionUpdated   = "session.updated"
	SessionDeleted   = "session.deleted"
	SessionStream    = "session.stream" // base subject for live worker output
	SessionStatus    = "session.status" // lifecycle transitions
	SessionCancelled = "session.cancelled"
)

// Event types for agents
const (
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentLifecycle    = "agent.lifecycle" // base subject for per-agent lifecycle
	AgentHeartbeat    = "agent.heartbeat"
)

// Event types for workers
const (
	WorkerStarted = "worker.started"
	WorkerStopped = "worker.stopped"
	WorkerFailed  = "worker.failed"
	WorkerStatus  = "worker.status" // base subject for per-worker state changes
)

// Event types for repositories
const (
	RepositoryCreated = "repository.created"
	RepositoryUpdated = "repository.updated"
	RepositoryDeleted = "repository.deleted"
	RepositoryTested  = "repository.tested"
)

// BuildSessionStreamSubject creates a stream subject for a specific session.
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all
// session stream events.
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}

// BuildSessionStatusSubject creates a status subject for a specific session.
func BuildSessionStatusSubject(sessionID string) string {
	return SessionStatus + "." + sessionID
}

// BuildSessionStatusWildcardSubject creates a wildcard subscription for all
// session status events.
func BuildSessionStatusWildcardSubject() string {
	return SessionStatus + ".*"
}

// BuildAgentLifecycleSubject creates a lifecycle subject for a specific agent.
func BuildAgentLifecycleSubject(agentID string) string {
	return AgentLifecycle + "." + agentID
}

// BuildAgentLifecycleWildcardSubject creates a wildcard subscription for all
// agent lifecycle events.
func BuildAgentLifecycleWildcardSubject() string {
	return AgentLifecycle + ".*"
}

// BuildWorkerStatusSubject creates a status subject for a specific worker.
func BuildWorkerStatusSubject(workerID string) string {
	return WorkerStatus + "." + workerID
}

// BuildWorkerStatusWildcardSubject creates a wildcard subscription for all
// worker status events.
func BuildWorkerStatusWildcardSubject() string {
	return WorkerStatus + ".*"
}
