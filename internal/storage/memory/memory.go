// Package memory provides a mutex-protected in-memory Store. It backs the
// memory database driver and doubles as the unit-test store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session
	messages map[string][]*storage.Message // sessionID -> ordered log
	repos    map[string]*storage.Repository
	agents   map[string]*storage.Agent
	audit    []*storage.AuditEntry
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*storage.Session),
		messages: make(map[string][]*storage.Message),
		repos:    make(map[string]*storage.Repository),
		agents:   make(map[string]*storage.Agent),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Sessions

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.LastActivity.IsZero() {
		session.LastActivity = now
	}

	cp := cloneSession(session)
	s.sessions[session.ID] = cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) UpdateSession(ctx context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return storage.ErrNotFound
	}
	session.CreatedAt = existing.CreatedAt
	session.MessageCount = existing.MessageCount
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id) // messages cascade with their session
	return nil
}

func (s *Store) ListSessions(ctx context.Context, filter storage.SessionFilter, page storage.Pagination) (*storage.Page[*storage.Session], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storage.Session
	for _, session := range s.sessions {
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.RepositoryID != "" && session.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.AgentID != "" && session.AgentID != filter.AgentID {
			continue
		}
		matched = append(matched, cloneSession(session))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastActivity.After(matched[j].LastActivity)
	})

	return paginate(matched, page), nil
}

func (s *Store) AppendMessage(ctx context.Context, message *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[message.SessionID]
	if !ok {
		return storage.ErrNotFound
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.messages[message.SessionID] = append(s.messages[message.SessionID], cloneMessage(message))
	session.MessageCount++
	session.LastActivity = message.CreatedAt
	session.UpdatedAt = message.CreatedAt
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, page storage.Pagination) (*storage.Page[*storage.Message], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, storage.ErrNotFound
	}

	log := s.messages[sessionID]
	out := make([]*storage.Message, len(log))
	for i, m := range log {
		out[i] = cloneMessage(m)
	}
	return paginate(out, page), nil
}

func (s *Store) LatestMessages(ctx context.Context, sessionID string, n int) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, storage.ErrNotFound
	}

	log := s.messages[sessionID]
	if n <= 0 || n > len(log) {
		n = len(log)
	}
	out := make([]*storage.Message, 0, n)
	for _, m := range log[len(log)-n:] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// Repositories

func (s *Store) CreateRepository(ctx context.Context, repo *storage.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now
	s.repos[repo.ID] = cloneRepository(repo)
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*storage.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, ok := s.repos[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRepository(repo), nil
}

func (s *Store) UpdateRepository(ctx context.Context, repo *storage.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.repos[repo.ID]
	if !ok {
		return storage.ErrNotFound
	}
	repo.CreatedAt = existing.CreatedAt
	repo.UpdatedAt = time.Now().UTC()
	s.repos[repo.ID] = cloneRepository(repo)
	return nil
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repos[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.repos, id)
	return nil
}

func (s *Store) UpdateRepositoryMetadata(ctx context.Context, id string, branch string, meta storage.RepositoryMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[id]
	if !ok {
		return storage.ErrNotFound
	}
	repo.Metadata = meta
	if branch != "" {
		repo.Branch = branch
	}
	repo.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SearchRepositories(ctx context.Context, search storage.RepositorySearch, page storage.Pagination) (*storage.Page[*storage.Repository], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(search.Query)
	var matched []*storage.Repository
	for _, repo := range s.repos {
		if search.Type != "" && repo.Type != search.Type {
			continue
		}
		if search.Enabled != nil && repo.Enabled != *search.Enabled {
			continue
		}
		if query != "" {
			haystack := strings.ToLower(repo.Name + " " + repo.URL + " " + repo.Description)
			if !strings.Contains(haystack, query) {
				continue
			}
		}
		matched = append(matched, cloneRepository(repo))
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch search.SortBy {
		case "name":
			return a.Name < b.Name
		case "type":
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			return a.Name < b.Name
		default:
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	})

	return paginate(matched, page), nil
}

// Agents

func (s *Store) CreateAgent(ctx context.Context, agent *storage.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = storage.AgentStatusPending
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent *storage.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return storage.ErrNotFound
	}
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status storage.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	agent.Status = status
	now := time.Now().UTC()
	agent.UpdatedAt = now
	if status == storage.AgentStatusConnected {
		agent.LastValidated = &now
	}
	return nil
}

func (s *Store) TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	hb := at.UTC()
	agent.LastHeartbeat = &hb
	return nil
}

func (s *Store) ListAgents(ctx context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storage.Agent
	for _, agent := range s.agents {
		if filter.Status != "" && agent.Status != filter.Status {
			continue
		}
		if filter.Tool != "" && !agent.AllowsTool(filter.Tool) {
			continue
		}
		matched = append(matched, cloneAgent(agent))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched, nil
}

// Audit

func (s *Store) AppendAudit(ctx context.Context, entry *storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, page storage.Pagination) (*storage.Page[*storage.AuditEntry], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.AuditEntry, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[len(s.audit)-1-i] = &cp // newest first
	}
	return paginate(out, page), nil
}

// helpers

func paginate[T any](items []T, page storage.Pagination) *storage.Page[T] {
	page = page.Normalize()
	total := len(items)

	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	return &storage.Page[T]{
		Items: items[start:end],
		Total: total,
		Page:  page.Page,
		Limit: page.Limit,
	}
}

func cloneSession(s *storage.Session) *storage.Session {
	cp := *s
	cp.Metadata = cloneMap(s.Metadata)
	return &cp
}

func cloneMessage(m *storage.Message) *storage.Message {
	cp := *m
	cp.Metadata = cloneMap(m.Metadata)
	return &cp
}

func cloneRepository(r *storage.Repository) *storage.Repository {
	cp := *r
	cp.Metadata.AvailableBranches = append([]string(nil), r.Metadata.AvailableBranches...)
	return &cp
}

func cloneAgent(a *storage.Agent) *storage.Agent {
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	cp.AllowedTools = append([]string(nil), a.AllowedTools...)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
