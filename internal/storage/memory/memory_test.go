package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/storage"
)

func TestSessionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	session := &storage.Session{
		UserID:       "user-1",
		Name:         "fix flaky test",
		AITool:       "claude",
		Status:       storage.SessionStatusActive,
		RepositoryID: "repo-1",
	}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NotEmpty(t, session.ID)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix flaky test", got.Name)
	assert.Equal(t, 0, got.MessageCount)

	got.Name = "renamed"
	require.NoError(t, store.UpdateSession(ctx, got))

	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, store.DeleteSession(ctx, session.ID))
	_, err = store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetSessionNotFound(t *testing.T) {
	store := New()
	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendMessageKeepsCountInSync(t *testing.T) {
	store := New()
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))

	for i := 0; i < 5; i++ {
		err := store.AppendMessage(ctx, &storage.Message{
			SessionID: session.ID,
			Role:      storage.MessageRoleAssistant,
			Content:   fmt.Sprintf("chunk %d", i),
		})
		require.NoError(t, err)
	}

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)

	page, err := store.ListMessages(ctx, session.ID, storage.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, got.MessageCount, page.Total)
	assert.Equal(t, "chunk 0", page.Items[0].Content)
}

func TestUpdateSessionDoesNotClobberMessageCount(t *testing.T) {
	store := New()
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NoError(t, store.AppendMessage(ctx, &storage.Message{
		SessionID: session.ID, Role: storage.MessageRoleUser, Content: "hi",
	}))

	// Callers often hold a stale copy with MessageCount 0.
	stale := &storage.Session{ID: session.ID, UserID: "user-1", AITool: "claude",
		Status: storage.SessionStatusPaused, MessageCount: 0}
	require.NoError(t, store.UpdateSession(ctx, stale))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)
	assert.Equal(t, storage.SessionStatusPaused, got.Status)
}

func TestAppendMessageUnknownSession(t *testing.T) {
	store := New()
	err := store.AppendMessage(context.Background(), &storage.Message{
		SessionID: "missing", Role: storage.MessageRoleUser, Content: "hi",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLatestMessages(t *testing.T) {
	store := New()
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendMessage(ctx, &storage.Message{
			SessionID: session.ID,
			Role:      storage.MessageRoleAssistant,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	latest, err := store.LatestMessages(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	// Chronological order, trailing window.
	assert.Equal(t, "m7", latest[0].Content)
	assert.Equal(t, "m9", latest[2].Content)

	all, err := store.LatestMessages(ctx, session.ID, 50)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestListSessionsFilterAndOrder(t *testing.T) {
	store := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateSession(ctx, &storage.Session{
			ID:           fmt.Sprintf("s-%d", i),
			UserID:       "user-1",
			AITool:       "claude",
			Status:       storage.SessionStatusActive,
			LastActivity: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.CreateSession(ctx, &storage.Session{
		ID: "other", UserID: "user-2", AITool: "claude", Status: storage.SessionStatusActive,
	}))

	page, err := store.ListSessions(ctx, storage.SessionFilter{UserID: "user-1"}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	// Most recent activity first.
	assert.Equal(t, "s-2", page.Items[0].ID)

	page, err = store.ListSessions(ctx, storage.SessionFilter{UserID: "user-1"}, storage.Pagination{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 1)
}

func TestSearchRepositories(t *testing.T) {
	store := New()
	ctx := context.Background()

	enabled := true
	repos := []*storage.Repository{
		{Name: "payments-api", Type: storage.RepositoryTypeGit, URL: "https://git.example.com/payments.git", Enabled: true},
		{Name: "billing-worker", Type: storage.RepositoryTypeGit, URL: "https://git.example.com/billing.git", Enabled: false},
		{Name: "docs", Type: storage.RepositoryTypeLocal, LocalPath: "/srv/docs", Enabled: true},
	}
	for _, r := range repos {
		require.NoError(t, store.CreateRepository(ctx, r))
	}

	page, err := store.SearchRepositories(ctx, storage.RepositorySearch{Query: "payments"}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "payments-api", page.Items[0].Name)

	page, err = store.SearchRepositories(ctx, storage.RepositorySearch{Type: storage.RepositoryTypeGit, Enabled: &enabled}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "payments-api", page.Items[0].Name)

	page, err = store.SearchRepositories(ctx, storage.RepositorySearch{SortBy: "name"}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, "billing-worker", page.Items[0].Name)
}

func TestUpdateRepositoryMetadata(t *testing.T) {
	store := New()
	ctx := context.Background()

	repo := &storage.Repository{Name: "app", Type: storage.RepositoryTypeGit,
		URL: "https://git.example.com/app.git", Branch: "main", Enabled: true}
	require.NoError(t, store.CreateRepository(ctx, repo))

	now := time.Now().UTC()
	meta := storage.RepositoryMetadata{
		LastTestDate:      &now,
		AvailableBranches: []string{"main", "develop"},
		DefaultBranch:     "main",
	}
	require.NoError(t, store.UpdateRepositoryMetadata(ctx, repo.ID, "develop", meta))

	got, err := store.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.Branch)
	assert.Equal(t, []string{"main", "develop"}, got.Metadata.AvailableBranches)

	// Empty branch leaves the stored branch alone.
	require.NoError(t, store.UpdateRepositoryMetadata(ctx, repo.ID, "", meta))
	got, err = store.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.Branch)
}

func TestAgentStatusAndHeartbeat(t *testing.T) {
	store := New()
	ctx := context.Background()

	agent := &storage.Agent{Name: "build-box", Secret: "s3cret", MaxWorkers: 4,
		AllowedTools: []string{"claude"}}
	require.NoError(t, store.CreateAgent(ctx, agent))
	assert.Equal(t, storage.AgentStatusPending, agent.Status)

	require.NoError(t, store.UpdateAgentStatus(ctx, agent.ID, storage.AgentStatusConnected))
	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusConnected, got.Status)
	require.NotNil(t, got.LastValidated)

	at := time.Now().UTC()
	require.NoError(t, store.TouchAgentHeartbeat(ctx, agent.ID, at))
	got, err = store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, at, *got.LastHeartbeat, time.Second)
}

func TestListAgentsToolFilter(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{
		ID: "a1", Name: "alpha", Secret: "x", MaxWorkers: 1, AllowedTools: []string{"claude"}}))
	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{
		ID: "a2", Name: "beta", Secret: "x", MaxWorkers: 1, AllowedTools: []string{"cursor"}}))
	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{
		ID: "a3", Name: "gamma", Secret: "x", MaxWorkers: 1})) // empty list allows everything

	agents, err := store.ListAgents(ctx, storage.AgentFilter{Tool: "claude"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].Name)
	assert.Equal(t, "gamma", agents[1].Name)
}

func TestAuditNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendAudit(ctx, &storage.AuditEntry{
			Actor:      "user-1",
			Action:     fmt.Sprintf("action-%d", i),
			ResourceID: "r1",
		}))
	}

	page, err := store.ListAudit(ctx, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, "action-2", page.Items[0].Action)
}

func TestClonesAreIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()

	session := &storage.Session{UserID: "u", AITool: "claude", Status: storage.SessionStatusActive,
		Metadata: map[string]any{"k": "v"}}
	require.NoError(t, store.CreateSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	got.Metadata["k"] = "mutated"

	again, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
}
