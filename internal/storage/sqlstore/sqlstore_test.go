package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	store, err := New(writer, reader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSchemaIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.initSchema())
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &storage.Session{
		UserID:       "user-1",
		Name:         "debug deadlock",
		AITool:       "claude",
		Status:       storage.SessionStatusActive,
		RepositoryID: "repo-1",
		Metadata:     map[string]any{"model": "opus"},
	}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NotEmpty(t, session.ID)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "debug deadlock", got.Name)
	assert.Equal(t, "opus", got.Metadata["model"])
	assert.Equal(t, 0, got.MessageCount)

	got.Status = storage.SessionStatusPaused
	got.ExternalSessionID = "ext-123"
	require.NoError(t, store.UpdateSession(ctx, got))

	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusPaused, got.Status)
	assert.Equal(t, "ext-123", got.ExternalSessionID)
}

func TestAppendMessageBumpsCounter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendMessage(ctx, &storage.Message{
			SessionID: session.ID,
			Role:      storage.MessageRoleAssistant,
			Content:   fmt.Sprintf("part %d", i),
		}))
	}

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MessageCount)

	page, err := store.ListMessages(ctx, session.ID, storage.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "part 0", page.Items[0].Content)
	assert.Equal(t, "part 2", page.Items[2].Content)
}

func TestAppendMessageUnknownSession(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendMessage(context.Background(), &storage.Message{
		SessionID: "missing", Role: storage.MessageRoleUser, Content: "hi",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateSessionPreservesMessageCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NoError(t, store.AppendMessage(ctx, &storage.Message{
		SessionID: session.ID, Role: storage.MessageRoleUser, Content: "hello",
	}))

	stale := *session // MessageCount still 0 on this copy
	stale.Name = "renamed"
	require.NoError(t, store.UpdateSession(ctx, &stale))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 1, got.MessageCount)
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NoError(t, store.AppendMessage(ctx, &storage.Message{
		SessionID: session.ID, Role: storage.MessageRoleUser, Content: "hello",
	}))

	require.NoError(t, store.DeleteSession(ctx, session.ID))

	_, err := store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.ListMessages(ctx, session.ID, storage.Pagination{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLatestMessagesChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &storage.Session{UserID: "user-1", AITool: "claude", Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, session))

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendMessage(ctx, &storage.Message{
			SessionID: session.ID,
			Role:      storage.MessageRoleAssistant,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	latest, err := store.LatestMessages(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "m3", latest[0].Content)
	assert.Equal(t, "m4", latest[1].Content)
}

func TestListSessionsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
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
		ID: "archived", UserID: "user-1", AITool: "claude", Status: storage.SessionStatusArchived,
	}))

	page, err := store.ListSessions(ctx, storage.SessionFilter{
		UserID: "user-1", Status: storage.SessionStatusActive,
	}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, "s-2", page.Items[0].ID)

	page, err = store.ListSessions(ctx, storage.SessionFilter{UserID: "nobody"}, storage.Pagination{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
}

func TestRepositoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	repo := &storage.Repository{
		Name:        "payments-api",
		Type:        storage.RepositoryTypeGit,
		URL:         "https://git.example.com/payments.git",
		Branch:      "main",
		Credentials: "v1:abcdef",
		Enabled:     true,
		Settings:    storage.RepositorySettings{RetryCount: 5, ConnectionTimeoutMs: 2000},
	}
	require.NoError(t, store.CreateRepository(ctx, repo))

	got, err := store.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "payments-api", got.Name)
	assert.Equal(t, "v1:abcdef", got.Credentials)
	assert.Equal(t, 5, got.Settings.RetryCount)

	now := time.Now().UTC().Truncate(time.Second)
	meta := storage.RepositoryMetadata{
		LastTestDate:      &now,
		AvailableBranches: []string{"main", "develop"},
		DefaultBranch:     "main",
	}
	require.NoError(t, store.UpdateRepositoryMetadata(ctx, repo.ID, "develop", meta))

	got, err = store.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.Branch)
	assert.Equal(t, []string{"main", "develop"}, got.Metadata.AvailableBranches)

	require.NoError(t, store.DeleteRepository(ctx, repo.ID))
	_, err = store.GetRepository(ctx, repo.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchRepositories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRepository(ctx, &storage.Repository{
		Name: "payments-api", Type: storage.RepositoryTypeGit,
		URL: "https://git.example.com/payments.git", Enabled: true,
	}))
	require.NoError(t, store.CreateRepository(ctx, &storage.Repository{
		Name: "docs", Type: storage.RepositoryTypeLocal, LocalPath: "/srv/docs", Enabled: false,
	}))

	page, err := store.SearchRepositories(ctx, storage.RepositorySearch{Query: "payments"}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "payments-api", page.Items[0].Name)

	enabled := false
	page, err = store.SearchRepositories(ctx, storage.RepositorySearch{Enabled: &enabled}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "docs", page.Items[0].Name)

	page, err = store.SearchRepositories(ctx, storage.RepositorySearch{SortBy: "name"}, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, "docs", page.Items[0].Name)
}

func TestAgentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &storage.Agent{
		Name:         "build-box",
		Secret:       "s3cret",
		MaxWorkers:   4,
		Host:         storage.HostInfo{Platform: "linux", Arch: "amd64", Hostname: "ci-1", CPUs: 8},
		Tags:         []string{"ci"},
		AllowedTools: []string{"claude", "cursor"},
	}
	require.NoError(t, store.CreateAgent(ctx, agent))
	assert.Equal(t, storage.AgentStatusPending, agent.Status)

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "linux", got.Host.Platform)
	assert.Equal(t, []string{"claude", "cursor"}, got.AllowedTools)
	assert.Nil(t, got.LastHeartbeat)

	require.NoError(t, store.UpdateAgentStatus(ctx, agent.ID, storage.AgentStatusConnected))
	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.TouchAgentHeartbeat(ctx, agent.ID, at))

	got, err = store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusConnected, got.Status)
	require.NotNil(t, got.LastValidated)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, at, *got.LastHeartbeat, time.Second)

	agents, err := store.ListAgents(ctx, storage.AgentFilter{Tool: "claude"})
	require.NoError(t, err)
	require.Len(t, agents, 1)

	agents, err = store.ListAgents(ctx, storage.AgentFilter{Tool: "qwcoder"})
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendAudit(ctx, &storage.AuditEntry{
			Actor:      "user-1",
			Action:     fmt.Sprintf("repository.update.%d", i),
			ResourceID: "repo-1",
			Context:    map[string]any{"field": "branch"},
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := store.ListAudit(ctx, storage.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, "repository.update.2", page.Items[0].Action)
	assert.Equal(t, "branch", page.Items[0].Context["field"])
}

func TestNotFoundTranslations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetRepository(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, store.DeleteSession(ctx, "missing"), storage.ErrNotFound)
	assert.ErrorIs(t, store.UpdateAgentStatus(ctx, "missing", storage.AgentStatusOffline), storage.ErrNotFound)
}
