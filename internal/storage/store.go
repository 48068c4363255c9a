package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Pagination selects one page of a list result. Pages are 1-based.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize clamps pagination to sane bounds.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

// Offset returns the row offset for the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page is one page of a list result.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// SessionFilter narrows session listings. Zero values match everything.
type SessionFilter struct {
	UserID       string
	Status       SessionStatus
	RepositoryID string
	AgentID      string
}

// RepositorySearch narrows repository listings. Query is a substring
// match on name, url, and description.
type RepositorySearch struct {
	Query   string
	Type    RepositoryType
	Enabled *bool
	SortBy  string // updated_at (default), name, type
}

// AgentFilter narrows agent listings. Zero values match everything.
type AgentFilter struct {
	Status AgentStatus
	Tool   string
}

// SessionStore persists sessions and their append-only message logs.
// AppendMessage atomically appends and bumps the session's message count
// and last-activity timestamp, keeping messageCount == len(messages).
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter, page Pagination) (*Page[*Session], error)
	AppendMessage(ctx context.Context, message *Message) error
	ListMessages(ctx context.Context, sessionID string, page Pagination) (*Page[*Message], error)
	LatestMessages(ctx context.Context, sessionID string, n int) ([]*Message, error)
}

// RepositoryStore persists repository records and their probe metadata.
type RepositoryStore interface {
	CreateRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	UpdateRepository(ctx context.Context, repo *Repository) error
	DeleteRepository(ctx context.Context, id string) error
	UpdateRepositoryMetadata(ctx context.Context, id string, branch string, meta RepositoryMetadata) error
	SearchRepositories(ctx context.Context, search RepositorySearch, page Pagination) (*Page[*Repository], error)
}

// AgentStore persists the agent registry.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
}

// AuditStore appends audit entries. Writes are best-effort at the caller.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, page Pagination) (*Page[*AuditEntry], error)
}

// Store is the full persistence contract.
type Store interface {
	SessionStore
	RepositoryStore
	AgentStore
	AuditStore
	Close() error
}
