package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/secrets"
	"github.com/coderelay/coderelay/internal/storage"
	"github.com/coderelay/coderelay/internal/storage/memory"
	"github.com/coderelay/coderelay/pkg/stream"
	"github.com/coderelay/coderelay/pkg/wire"
)

// fakeLink records frames the orchestrator sends to an agent.
type fakeLink struct {
	id     string
	mu     sync.Mutex
	frames []sentFrame
	closed bool
}

type sentFrame struct {
	action  string
	payload any
}

func (f *fakeLink) AgentID() string { return f.id }

func (f *fakeLink) Send(action string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{action: action, payload: payload})
	return nil
}

func (f *fakeLink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeLink) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

func (f *fakeLink) lastStart(t *testing.T) *wire.WorkerStart {
	t.Helper()
	for _, fr := range f.sent() {
		if fr.action == wire.ActionWorkerStart {
			ws, ok := fr.payload.(*wire.WorkerStart)
			require.True(t, ok)
			return ws
		}
	}
	t.Fatal("no worker:start frame sent")
	return nil
}

type fixture struct {
	svc   *Service
	store storage.Store
	bus   bus.EventBus
	vault *secrets.Vault
	link  *fakeLink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.NewMemoryEventBus(log)
	vault, err := secrets.NewVaultWithKey(make([]byte, 32))
	require.NoError(t, err)

	svc := New(store, eventBus, vault, audit.NewRecorder(store, log), config.AgentsConfig{
		HeartbeatInterval: 15,
		OfflineGrace:      30,
		DefaultMaxWorkers: 2,
	}, log)

	return &fixture{
		svc:   svc,
		store: store,
		bus:   eventBus,
		vault: vault,
		link:  &fakeLink{id: "a1"},
	}
}

func (fx *fixture) seedAgent(t *testing.T, id string, maxWorkers int, tools ...string) *storage.Agent {
	t.Helper()
	agent := &storage.Agent{
		ID:           id,
		Name:         "agent-" + id,
		Secret:       "s3cret",
		MaxWorkers:   maxWorkers,
		Status:       storage.AgentStatusPending,
		AllowedTools: tools,
	}
	require.NoError(t, fx.store.CreateAgent(context.Background(), agent))
	return agent
}

func (fx *fixture) register(t *testing.T, link *fakeLink) *wire.RegisterResponse {
	t.Helper()
	resp, err := fx.svc.RegisterAgent(context.Background(), link, wire.RegisterRequest{
		AgentID: link.id,
		Secret:  "s3cret",
		Host:    wire.HostInfo{Platform: "linux", Hostname: "box"},
	})
	require.NoError(t, err)
	return resp
}

func (fx *fixture) seedSession(t *testing.T, id, tool string) *storage.Session {
	t.Helper()
	session := &storage.Session{
		ID:     id,
		UserID: "u1",
		Name:   "session " + id,
		AITool: tool,
		Status: storage.SessionStatusActive,
	}
	require.NoError(t, fx.store.CreateSession(context.Background(), session))
	return session
}

func TestRegisterAgentHandshake(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 3)

	resp := fx.register(t, fx.link)
	assert.Equal(t, "a1", resp.AgentID)
	assert.Equal(t, 3, resp.MaxWorkers)

	agent, err := fx.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusConnected, agent.Status)
	assert.Equal(t, "linux", agent.Host.Platform)
	assert.NotNil(t, agent.LastValidated)
	assert.Contains(t, fx.svc.ConnectedAgents(), "a1")
}

func TestRegisterAgentBadSecret(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 3)

	_, err := fx.svc.RegisterAgent(context.Background(), fx.link, wire.RegisterRequest{
		AgentID: "a1",
		Secret:  "wrong",
	})
	assert.Error(t, err)
	assert.Empty(t, fx.svc.ConnectedAgents())
}

func TestRegisterAgentUnknown(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.RegisterAgent(context.Background(), fx.link, wire.RegisterRequest{
		AgentID: "ghost",
		Secret:  "s3cret",
	})
	assert.Error(t, err)
}

func TestRegisterReplacesExistingLink(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)

	replacement := &fakeLink{id: "a1"}
	fx.register(t, replacement)

	assert.True(t, fx.link.closed)
	assert.Len(t, fx.svc.ConnectedAgents(), 1)
}

func TestStartSessionSendsWorkerStart(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	fx.seedSession(t, "s1", "claude")

	require.NoError(t, fx.svc.StartSession(context.Background(), "s1", "fix the bug"))

	start := fx.link.lastStart(t)
	assert.Equal(t, "s1", start.SessionID)
	assert.Equal(t, "claude", start.Tool)
	assert.Equal(t, "fix the bug", start.InitialPrompt)
	assert.Empty(t, start.ResumeID)
	assert.NotEmpty(t, start.TaskID)

	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusActive, session.Status)
	assert.Equal(t, "a1", session.AgentID)
	assert.Equal(t, start.TaskID, session.WorkerID)

	// The prompt became the first user message.
	msgs, err := fx.store.LatestMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "fix the bug", msgs[0].Content)
}

func TestStartSessionNoAgent(t *testing.T) {
	fx := newFixture(t)
	fx.seedSession(t, "s1", "claude")

	err := fx.svc.StartSession(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestStartSessionToolNotAllowed(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2, "cursor") // claude not in the allow list
	fx.register(t, fx.link)
	fx.seedSession(t, "s1", "claude")

	err := fx.svc.StartSession(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestStartSessionCapacityExhausted(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 1)
	fx.register(t, fx.link)
	fx.seedSession(t, "s1", "claude")
	fx.seedSession(t, "s2", "claude")

	require.NoError(t, fx.svc.StartSession(context.Background(), "s1", "one"))
	err := fx.svc.StartSession(context.Background(), "s2", "two")
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestStartSessionAlreadyRunning(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	fx.seedSession(t, "s1", "claude")

	require.NoError(t, fx.svc.StartSession(context.Background(), "s1", "one"))
	err := fx.svc.StartSession(context.Background(), "s1", "again")
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestStartSessionRoundRobin(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 5)
	fx.seedAgent(t, "a2", 5)
	linkB := &fakeLink{id: "a2"}
	fx.register(t, fx.link)
	fx.register(t, linkB)

	for i, id := range []string{"s1", "s2", "s3", "s4"} {
		fx.seedSession(t, id, "claude")
		require.NoError(t, fx.svc.StartSession(context.Background(), id, "go"), "session %d", i)
	}

	countA, countB := 0, 0
	for _, fr := range fx.link.sent() {
		if fr.action == wire.ActionWorkerStart {
			countA++
		}
	}
	for _, fr := range linkB.sent() {
		if fr.action == wire.ActionWorkerStart {
			countB++
		}
	}
	assert.Equal(t, 2, countA)
	assert.Equal(t, 2, countB)
}

func TestWorkerStartCarriesRepoCredentials(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)

	blob, err := fx.vault.Encrypt("alice:tok3n")
	require.NoError(t, err)
	repo := &storage.Repository{
		ID:          "r1",
		Name:        "app",
		Type:        storage.RepositoryTypeGit,
		URL:         "https://git.example.com/app.git",
		Branch:      "develop",
		Credentials: blob,
		Enabled:     true,
	}
	require.NoError(t, fx.store.CreateRepository(context.Background(), repo))

	session := fx.seedSession(t, "s1", "claude")
	session.RepositoryID = "r1"
	require.NoError(t, fx.store.UpdateSession(context.Background(), session))

	require.NoError(t, fx.svc.StartSession(context.Background(), "s1", "go"))

	start := fx.link.lastStart(t)
	require.NotNil(t, start.Repo)
	assert.Equal(t, "git", start.Repo.Type)
	assert.Equal(t, "develop", start.Repo.Branch)
	assert.Equal(t, "alice", start.Repo.Username)
	assert.Equal(t, "tok3n", start.Repo.Password)
}

func TestSendInputAppendsAndForwards(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	fx.seedSession(t, "s1", "claude")
	require.NoError(t, fx.svc.StartSession(context.Background(), "s1", ""))

	require.NoError(t, fx.svc.SendInput(context.Background(), "s1", "try again"))

	var input *wire.WorkerInput
	for _, fr := range fx.link.sent() {
		if fr.action == wire.ActionWorkerInput {
			wi, ok := fr.payload.(wire.WorkerInput)
			require.True(t, ok)
			input = &wi
		}
	}
	require.NotNil(t, input)
	assert.Equal(t, "try again", input.Content)

	msgs, err := fx.store.LatestMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.MessageRoleUser, msgs[0].Role)
}

func TestSendInputNoWorker(t *testing.T) {
	fx := newFixture(t)
	fx.seedSession(t, "s1", "claude")
	assert.Error(t, fx.svc.SendInput(context.Background(), "s1", "hello"))
}

func startSessionWithWorker(t *testing.T, fx *fixture, sessionID string) string {
	t.Helper()
	fx.seedSession(t, sessionID, "claude")
	require.NoError(t, fx.svc.StartSession(context.Background(), sessionID, ""))
	return fx.link.lastStart(t).TaskID
}

func TestWorkerEventPersistsAssistantTurn(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.HandleWorkerEvent(context.Background(), "a1", wire.WorkerEvent{
		TaskID: taskID,
		Event: &stream.Event{
			Type:      stream.EventAssistant,
			SessionID: "ext-99",
			Assistant: &stream.AssistantTurn{
				Message: "I fixed it",
				Model:   "claude-sonnet-4",
				Usage:   &stream.Usage{InputTokens: 100, OutputTokens: 50},
			},
		},
	})

	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "ext-99", session.ExternalSessionID)
	assert.Equal(t, int64(150), session.TotalTokens)

	msgs, err := fx.store.LatestMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.MessageRoleAssistant, msgs[0].Role)
	assert.Equal(t, "I fixed it", msgs[0].Content)
}

func TestWorkerEventTextDeltaNotPersisted(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.HandleWorkerEvent(context.Background(), "a1", wire.WorkerEvent{
		TaskID: taskID,
		Event:  &stream.Event{Type: stream.EventText, Text: "partial"},
	})

	msgs, err := fx.store.LatestMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWorkerEventStreamsToBus(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	var received []*bus.Event
	_, err := fx.bus.Subscribe(events.BuildSessionStreamSubject("s1"), func(ctx context.Context, ev *bus.Event) error {
		received = append(received, ev)
		return nil
	})
	require.NoError(t, err)

	fx.svc.HandleWorkerEvent(context.Background(), "a1", wire.WorkerEvent{
		TaskID: taskID,
		Event:  &stream.Event{Type: stream.EventText, Text: "hello"},
	})

	// The memory bus dispatches synchronously.
	require.Len(t, received, 1)
	payload, ok := received[0].Data.(wire.SessionEvent)
	require.True(t, ok)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "hello", payload.Event.Text)
}

func TestWorkerEventWrongAgentIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.HandleWorkerEvent(context.Background(), "intruder", wire.WorkerEvent{
		TaskID: taskID,
		Event:  &stream.Event{Type: stream.EventAssistant, Assistant: &stream.AssistantTurn{Message: "spoof"}},
	})

	msgs, err := fx.store.LatestMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCleanResultThenStopCompletes(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.HandleWorkerEvent(context.Background(), "a1", wire.WorkerEvent{
		TaskID: taskID,
		Event: &stream.Event{
			Type:   stream.EventResult,
			Result: &stream.ResultInfo{Text: "all done", CostUSD: 0.42, Usage: &stream.Usage{InputTokens: 10, OutputTokens: 5}},
		},
	})
	fx.svc.HandleWorkerStatus(context.Background(), "a1", wire.WorkerStatus{TaskID: taskID, State: "stopped"})

	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusCompleted, session.Status)
	assert.Empty(t, session.WorkerID)
	assert.Empty(t, session.AgentID)
	assert.Equal(t, 0.42, session.TotalCost)
	assert.Equal(t, int64(15), session.TotalTokens)
}

func TestStopWithoutResultPauses(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.HandleWorkerStatus(context.Background(), "a1", wire.WorkerStatus{TaskID: taskID, State: "stopped"})

	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusPaused, session.Status)
}

func TestWorkerErrorKeepsSessionActive(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.HandleWorkerStatus(context.Background(), "a1", wire.WorkerStatus{
		TaskID: taskID, State: "error", Error: "exit code 1",
	})

	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusActive, session.Status)
	assert.Empty(t, session.WorkerID)
	// The slot is free again.
	assert.Equal(t, 0, fx.svc.AgentWorkerCount("a1"))
}

func TestCancelSessionStopsWorker(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	require.NoError(t, fx.svc.CancelSession(context.Background(), "s1"))

	sawStop := false
	for _, fr := range fx.link.sent() {
		if fr.action == wire.ActionWorkerStop {
			sawStop = true
		}
	}
	assert.True(t, sawStop)

	// Agent confirms the stop; cancelled sessions pause even after a
	// clean result.
	fx.svc.HandleWorkerStatus(context.Background(), "a1", wire.WorkerStatus{TaskID: taskID, State: "stopped"})
	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusPaused, session.Status)
}

func TestResumeSessionUsesExternalID(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)

	session := fx.seedSession(t, "s1", "claude")
	session.Status = storage.SessionStatusPaused
	session.ExternalSessionID = "ext-7"
	require.NoError(t, fx.store.UpdateSession(context.Background(), session))

	require.NoError(t, fx.svc.ResumeSession(context.Background(), "s1", "keep going"))

	start := fx.link.lastStart(t)
	assert.Equal(t, "ext-7", start.ResumeID)
	assert.Equal(t, "keep going", start.InitialPrompt)
}

func TestResumeCompletedSessionFails(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)

	session := fx.seedSession(t, "s1", "claude")
	session.Status = storage.SessionStatusCompleted
	require.NoError(t, fx.store.UpdateSession(context.Background(), session))

	assert.Error(t, fx.svc.ResumeSession(context.Background(), "s1", ""))
}

func TestUnregisterStartsGraceThenPauses(t *testing.T) {
	fx := newFixture(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	// Short grace for the test.
	fx.svc = New(fx.store, fx.bus, fx.vault, audit.NewRecorder(fx.store, log), config.AgentsConfig{
		HeartbeatInterval: 15,
		OfflineGrace:      1,
		DefaultMaxWorkers: 2,
	}, log)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	startSessionWithWorker(t, fx, "s1")

	fx.svc.UnregisterAgent("a1", fx.link)

	// Inside the grace window the stored status is still connected.
	agent, err := fx.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusConnected, agent.Status)

	assert.Eventually(t, func() bool {
		session, err := fx.store.GetSession(context.Background(), "s1")
		return err == nil && session.Status == storage.SessionStatusPaused
	}, 5*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		agent, err := fx.store.GetAgent(context.Background(), "a1")
		return err == nil && agent.Status == storage.AgentStatusOffline
	}, 5*time.Second, 50*time.Millisecond)
}

func TestReconnectWithinGraceKeepsSession(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)
	taskID := startSessionWithWorker(t, fx, "s1")

	fx.svc.UnregisterAgent("a1", fx.link)
	replacement := &fakeLink{id: "a1"}
	fx.register(t, replacement)

	// The worker record survived; events keep flowing.
	fx.svc.HandleWorkerEvent(context.Background(), "a1", wire.WorkerEvent{
		TaskID: taskID,
		Event:  &stream.Event{Type: stream.EventAssistant, Assistant: &stream.AssistantTurn{Message: "still here"}},
	})
	msgs, err := fx.store.LatestMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	session, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusActive, session.Status)
}

func TestReconcilePausesOrphanedSessions(t *testing.T) {
	fx := newFixture(t)
	session := fx.seedSession(t, "s1", "claude")
	session.AgentID = "a-dead"
	session.WorkerID = "w-dead"
	require.NoError(t, fx.store.UpdateSession(context.Background(), session))

	require.NoError(t, fx.svc.Reconcile(context.Background()))

	got, err := fx.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusPaused, got.Status)
	assert.Empty(t, got.AgentID)
	assert.Empty(t, got.WorkerID)
}

func TestHeartbeatTouchesAgent(t *testing.T) {
	fx := newFixture(t)
	fx.seedAgent(t, "a1", 2)
	fx.register(t, fx.link)

	at := time.Now().Add(-time.Minute).UTC()
	fx.svc.Heartbeat(context.Background(), "a1", wire.Heartbeat{TS: at, LiveWorkers: 1})

	agent, err := fx.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	require.NotNil(t, agent.LastHeartbeat)
	assert.WithinDuration(t, at, *agent.LastHeartbeat, time.Second)
}
