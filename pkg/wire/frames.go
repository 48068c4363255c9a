package wire

import (
	"time"

	"github.com/coderelay/coderelay/pkg/stream"
)

// HostInfo describes the machine an agent runs on. Sent in the register
// frame and stored on the agent record.
type HostInfo struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	CPUs     int    `json:"cpus"`
}

// RegisterRequest is the first frame an agent must send after connecting.
type RegisterRequest struct {
	AgentID string   `json:"agentId"`
	Name    string   `json:"name"`
	Secret  string   `json:"secret"`
	Host    HostInfo `json:"host"`
}

// RegisterResponse acknowledges a successful handshake.
type RegisterResponse struct {
	AgentID    string `json:"agentId"`
	MaxWorkers int    `json:"maxWorkers"`
}

// Heartbeat is the periodic liveness frame from an agent.
type Heartbeat struct {
	TS          time.Time `json:"ts"`
	LiveWorkers int       `json:"liveWorkers"`
}

// RepoSpec tells a worker how to materialize its workspace. Credentials
// are decrypted by the hub and travel only over the authenticated agent
// link; they are never persisted on the agent.
type RepoSpec struct {
	Type      string `json:"type"` // git, local
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// WorkerStart instructs an agent to spawn a worker. TaskID equals the
// hub-allocated worker id and keys every subsequent frame for this worker.
type WorkerStart struct {
	TaskID        string    `json:"taskId"`
	SessionID     string    `json:"sessionId"`
	Tool          string    `json:"tool"`
	WorkingDir    string    `json:"workingDirectory,omitempty"`
	Model         string    `json:"model,omitempty"`
	InitialPrompt string    `json:"initialPrompt,omitempty"`
	ResumeID      string    `json:"resumeId,omitempty"`
	Repo          *RepoSpec `json:"repo,omitempty"`
}

// WorkerInput delivers user text to a worker's stdin.
type WorkerInput struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

// WorkerStop asks an agent to terminate a worker.
type WorkerStop struct {
	TaskID string `json:"taskId"`
}

// WorkerStatus reports a worker lifecycle transition to the hub.
type WorkerStatus struct {
	TaskID string `json:"taskId"`
	State  string `json:"state"` // starting, running, stopping, stopped, error
	Error  string `json:"error,omitempty"`
}

// WorkerEvent relays one parsed CLI stream event to the hub.
type WorkerEvent struct {
	TaskID string        `json:"taskId"`
	Event  *stream.Event `json:"event"`
}

// SessionRef identifies a session in client control frames.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// SessionInput carries user text for a session.
type SessionInput struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// SessionSnapshot replays recent history when a client opens a session.
type SessionSnapshot struct {
	SessionID string            `json:"sessionId"`
	Status    string            `json:"status"`
	Messages  []SnapshotMessage `json:"messages"`
}

// SnapshotMessage is one replayed message in a session snapshot.
type SnapshotMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SessionEvent forwards a worker stream event to the owning client.
type SessionEvent struct {
	SessionID string        `json:"sessionId"`
	Event     *stream.Event `json:"event"`
}

// SessionStatus notifies a client of a session status change.
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// AgentSummary is the client-visible view of an agent.
type AgentSummary struct {
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	LiveWorkers int    `json:"liveWorkers"`
	MaxWorkers  int    `json:"maxWorkers"`
}

// AgentListPayload carries the connected-agent roster.
type AgentListPayload struct {
	Agents []AgentSummary `json:"agents"`
}

// AgentLifecycle announces an agent connecting or disconnecting.
type AgentLifecycle struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}
