// Package orchestrator is the hub's session brain: it assigns sessions to
// connected agents, relays worker events into the session message log, and
// drives session lifecycle transitions from worker and agent state.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/secrets"
	"github.com/coderelay/coderelay/internal/storage"
)

// ErrNoAgentAvailable is returned when no connected agent can take a
// session's tool with free capacity.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrSessionBusy is returned when a session already has a live worker.
var ErrSessionBusy = errors.New("session already has a live worker")

// cancelForceTimeout is how long a cancel waits for the worker's terminal
// status before the session is forced to paused.
const cancelForceTimeout = 5 * time.Second

// AgentLink is a live connection to an agent daemon. The websocket gateway
// implements it; the orchestrator only pushes frames through it.
type AgentLink interface {
	AgentID() string
	Send(action string, payload any) error
	Close()
}

// liveWorker is the hub-side record of a running worker.
type liveWorker struct {
	workerID  string
	sessionID string
	agentID   string

	// cleanResult is set when the worker delivered a non-error result
	// event; a subsequent clean stop completes the session.
	cleanResult bool

	// cancelled is set when the hub asked for the stop; the terminal state
	// is then paused, not completed.
	cancelled bool

	forceTimer *time.Timer
}

// Service orchestrates sessions across agents.
type Service struct {
	store  storage.Store
	bus    bus.EventBus
	vault  *secrets.Vault
	audit  *audit.Recorder
	cfg    config.AgentsConfig
	logger *logger.Logger

	mu      sync.Mutex
	links   map[string]AgentLink   // agentID -> live link
	workers map[string]*liveWorker // workerID -> live worker
	// graceTimers holds disconnect grace timers per agent; a reconnect
	// inside the grace window cancels the pause.
	graceTimers map[string]*time.Timer
	rr          int
}

// New creates the orchestrator service.
func New(store storage.Store, eventBus bus.EventBus, vault *secrets.Vault, rec *audit.Recorder, cfg config.AgentsConfig, log *logger.Logger) *Service {
	return &Service{
		store:       store,
		bus:         eventBus,
		vault:       vault,
		audit:       rec,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		links:       make(map[string]AgentLink),
		workers:     make(map[string]*liveWorker),
		graceTimers: make(map[string]*time.Timer),
	}
}

// Run starts background maintenance (heartbeat liveness sweep) until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepStaleAgents(ctx)
		}
	}
}

// Reconcile repairs state after a hub restart: sessions marked active have
// no live worker anymore and fall back to paused so they can be resumed.
func (s *Service) Reconcile(ctx context.Context) error {
	page, err := s.store.ListSessions(ctx, storage.SessionFilter{Status: storage.SessionStatusActive}, storage.Pagination{Limit: 500})
	if err != nil {
		return err
	}
	for _, session := range page.Items {
		session.Status = storage.SessionStatusPaused
		session.AgentID = ""
		session.WorkerID = ""
		if err := s.store.UpdateSession(ctx, session); err != nil {
			s.logger.Warn("reconcile: failed to pause session",
				zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		s.publishSessionStatus(session.ID, string(storage.SessionStatusPaused), "hub restarted")
	}
	if len(page.Items) > 0 {
		s.logger.Info("reconciled orphaned active sessions", zap.Int("count", len(page.Items)))
	}

	// Agents are only "connected" while their link lives in memory.
	agents, err := s.store.ListAgents(ctx, storage.AgentFilter{Status: storage.AgentStatusConnected})
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if err := s.store.UpdateAgentStatus(ctx, agent.ID, storage.AgentStatusOffline); err != nil {
			s.logger.Warn("reconcile: failed to mark agent offline",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	return nil
}

// workerBySession returns the live worker serving a session, if any.
func (s *Service) workerBySession(sessionID string) *liveWorker {
	for _, lw := range s.workers {
		if lw.sessionID == sessionID {
			return lw
		}
	}
	return nil
}

// liveWorkerCount counts live workers on one agent. Caller holds s.mu.
func (s *Service) liveWorkerCount(agentID string) int {
	n := 0
	for _, lw := range s.workers {
		if lw.agentID == agentID {
			n++
		}
	}
	return n
}

// AgentWorkerCount reports the live worker count for an agent.
func (s *Service) AgentWorkerCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveWorkerCount(agentID)
}

// ConnectedAgents lists the agent ids with a live link.
func (s *Service) ConnectedAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	return ids
}
