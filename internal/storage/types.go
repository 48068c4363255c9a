// Package storage defines the persistent data model and the data-access
// contracts consumed by the orchestrator and the repository engine. The
// concrete backends live in the memory, sqlite, and postgres subpackages.
package storage

import (
	"time"

	"github.com/coderelay/coderelay/internal/errclass"
	"github.com/coderelay/coderelay/internal/retry"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusConnected AgentStatus = "connected"
	AgentStatusOffline   AgentStatus = "offline"
)

// HostInfo describes the machine an agent runs on, reported at handshake.
type HostInfo struct {
	Platform string `json:"platform,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
}

// Agent is a remote process that exposes a host's CLI tools to the hub.
type Agent struct {
	ID            string      `json:"id" db:"id"`
	Name          string      `json:"name" db:"name"`
	Secret        string      `json:"-" db:"secret"`
	MaxWorkers    int         `json:"max_workers" db:"max_workers"`
	Status        AgentStatus `json:"status" db:"status"`
	Host          HostInfo    `json:"host" db:"-"`
	Tags          []string    `json:"tags,omitempty" db:"-"`
	AllowedTools  []string    `json:"allowed_tools,omitempty" db:"-"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	LastValidated *time.Time  `json:"last_validated,omitempty" db:"last_validated"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// AllowsTool reports whether the agent may run the given AI tool. An
// empty allow list permits every tool.
func (a *Agent) AllowsTool(tool string) bool {
	if len(a.AllowedTools) == 0 {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusArchived  SessionStatus = "archived"
)

// Session pairs a repository with an AI tool on behalf of a user. At most
// one live worker exists per session; ExternalSessionID is the AI CLI's
// own opaque resume token and enables cross-agent resume.
type Session struct {
	ID                string         `json:"id" db:"id"`
	UserID            string         `json:"user_id" db:"user_id"`
	Name              string         `json:"name" db:"name"`
	AITool            string         `json:"ai_tool" db:"ai_tool"`
	Status            SessionStatus  `json:"status" db:"status"`
	RepositoryID      string         `json:"repository_id" db:"repository_id"`
	AgentID           string         `json:"agent_id,omitempty" db:"agent_id"`
	WorkerID          string         `json:"worker_id,omitempty" db:"worker_id"`
	ExternalSessionID string         `json:"external_session_id,omitempty" db:"external_session_id"`
	MessageCount      int            `json:"message_count" db:"message_count"`
	TotalTokens       int64          `json:"total_tokens" db:"total_tokens"`
	TotalCost         float64        `json:"total_cost" db:"total_cost"`
	LastActivity      time.Time      `json:"last_activity" db:"last_activity"`
	Metadata          map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// MessageRole is the direction of a session message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Message is one entry in a session's append-only message log.
type Message struct {
	ID        string         `json:"id" db:"id"`
	SessionID string         `json:"session_id" db:"session_id"`
	Role      MessageRole    `json:"role" db:"role"`
	Content   string         `json:"content" db:"content"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// RepositoryType is the kind of source repository.
type RepositoryType string

const (
	RepositoryTypeGit   RepositoryType = "git"
	RepositoryTypeLocal RepositoryType = "local"
	RepositoryTypeSVN   RepositoryType = "svn"
)

// RepositorySettings are user-tunable probe settings.
type RepositorySettings struct {
	RetryCount          int  `json:"retryCount,omitempty"`
	ConnectionTimeoutMs int  `json:"connectionTimeout,omitempty"`
	AutoUpdate          bool `json:"autoUpdate,omitempty"`
}

// RepositoryMetadata is server-managed probe state cached on the record.
type RepositoryMetadata struct {
	LastTestDate      *time.Time  `json:"lastTestDate,omitempty"`
	LastTestResult    *TestResult `json:"lastTestResult,omitempty"`
	AvailableBranches []string    `json:"availableBranches,omitempty"`
	DefaultBranch     string      `json:"defaultBranch,omitempty"`
}

// Repository is a source repository sessions can be bound to. Credentials
// hold an encrypted blob and are never returned to callers in plaintext.
type Repository struct {
	ID          string             `json:"id" db:"id"`
	Name        string             `json:"name" db:"name"`
	Type        RepositoryType     `json:"type" db:"type"`
	URL         string             `json:"url,omitempty" db:"url"`
	LocalPath   string             `json:"local_path,omitempty" db:"local_path"`
	Branch      string             `json:"branch,omitempty" db:"branch"`
	Credentials string             `json:"-" db:"credentials"`
	Enabled     bool               `json:"enabled" db:"enabled"`
	Description string             `json:"description,omitempty" db:"description"`
	Settings    RepositorySettings `json:"settings" db:"-"`
	Metadata    RepositoryMetadata `json:"metadata" db:"-"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}

// BranchValidation is the outcome of checking a requested branch against
// the remote's advertised branches.
type BranchValidation struct {
	IsValid           bool     `json:"isValid"`
	Message           string   `json:"message,omitempty"`
	SuggestedBranch   string   `json:"suggestedBranch,omitempty"`
	AvailableBranches []string `json:"availableBranches,omitempty"`
}

// TestDetails carries the typed outcome of a repository probe: an error
// kind on failure, branch metadata on success.
type TestDetails struct {
	ErrorKind        errclass.Kind     `json:"errorKind,omitempty"`
	Error            string            `json:"error,omitempty"`
	Branches         []string          `json:"branches,omitempty"`
	DefaultBranch    string            `json:"defaultBranch,omitempty"`
	ActualBranch     string            `json:"actualBranch,omitempty"`
	BranchValidation *BranchValidation `json:"branchValidation,omitempty"`
	IsGitRepo        bool              `json:"isGitRepo,omitempty"`
}

// TestResult is the outcome of a repository connection test.
type TestResult struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Timestamp    time.Time       `json:"timestamp"`
	RetryCount   int             `json:"retryCount"`
	RetryDetails []retry.Attempt `json:"retryDetails,omitempty"`
	Details      TestDetails     `json:"details"`
}

// AuditEntry records one mutating operation for the audit trail.
type AuditEntry struct {
	ID         string         `json:"id" db:"id"`
	Actor      string         `json:"actor" db:"actor"`
	Action     string         `json:"action" db:"action"`
	ResourceID string         `json:"resource_id" db:"resource_id"`
	Context    map[string]any `json:"context,omitempty" db:"-"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
