package orchestrator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/storage"
	"github.com/coderelay/coderelay/pkg/wire"
)

// RegisterAgent validates an agent handshake and installs its link. A
// second connection for the same agent replaces the first.
func (s *Service) RegisterAgent(ctx context.Context, link AgentLink, req wire.RegisterRequest) (*wire.RegisterResponse, error) {
	agent, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("unknown agent: %s", req.AgentID)
	}
	if subtle.ConstantTimeCompare([]byte(agent.Secret), []byte(req.Secret)) != 1 {
		return nil, fmt.Errorf("invalid agent secret")
	}

	agent.Status = storage.AgentStatusConnected
	agent.Host = storage.HostInfo{
		Platform: req.Host.Platform,
		Arch:     req.Host.Arch,
		Hostname: req.Host.Hostname,
		CPUs:     req.Host.CPUs,
	}
	now := time.Now().UTC()
	agent.LastHeartbeat = &now
	agent.LastValidated = &now
	if req.Name != "" {
		agent.Name = req.Name
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.links[agent.ID]; ok {
		old.Close()
	}
	s.links[agent.ID] = link
	if timer, ok := s.graceTimers[agent.ID]; ok {
		timer.Stop()
		delete(s.graceTimers, agent.ID)
		s.logger.Info("agent reconnected within grace", zap.String("agent_id", agent.ID))
	}
	s.mu.Unlock()

	s.publishAgentLifecycle(events.AgentConnected, agent)
	s.audit.Record(ctx, agent.ID, "agent.connect", agent.ID, map[string]any{
		"hostname": req.Host.Hostname,
	})
	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("hostname", req.Host.Hostname))

	return &wire.RegisterResponse{AgentID: agent.ID, MaxWorkers: agent.MaxWorkers}, nil
}

// UnregisterAgent removes a dropped link and starts the disconnect grace
// timer. Workers keep running on the agent; only after the grace elapses
// without a reconnect are their sessions paused.
func (s *Service) UnregisterAgent(agentID string, link AgentLink) {
	s.mu.Lock()
	current, ok := s.links[agentID]
	if !ok || current != link {
		// A replacement link is already active.
		s.mu.Unlock()
		return
	}
	delete(s.links, agentID)

	grace := s.cfg.OfflineGraceDuration()
	if grace <= 0 {
		grace = 30 * time.Second
	}
	s.graceTimers[agentID] = time.AfterFunc(grace, func() {
		s.onGraceExpired(agentID)
	})
	s.mu.Unlock()

	// The stored status stays connected until the grace elapses; a
	// reconnect inside the window never shows as an offline blip.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if agent, err := s.store.GetAgent(ctx, agentID); err == nil {
		s.publishAgentLifecycle(events.AgentDisconnected, agent)
	}
	s.audit.Record(ctx, agentID, "agent.disconnect", agentID, nil)
	s.logger.Info("agent disconnected, grace started",
		zap.String("agent_id", agentID), zap.Duration("grace", grace))
}

// Heartbeat records agent liveness.
func (s *Service) Heartbeat(ctx context.Context, agentID string, hb wire.Heartbeat) {
	at := hb.TS
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.store.TouchAgentHeartbeat(ctx, agentID, at); err != nil {
		s.logger.Warn("heartbeat persist failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// onGraceExpired marks the agent offline and pauses every session whose
// worker lived on it.
func (s *Service) onGraceExpired(agentID string) {
	s.mu.Lock()
	delete(s.graceTimers, agentID)
	var orphaned []*liveWorker
	for id, lw := range s.workers {
		if lw.agentID == agentID {
			orphaned = append(orphaned, lw)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateAgentStatus(ctx, agentID, storage.AgentStatusOffline); err != nil {
		s.logger.Warn("failed to mark agent offline", zap.String("agent_id", agentID), zap.Error(err))
	}

	if len(orphaned) == 0 {
		return
	}
	s.logger.Warn("agent grace expired, pausing its sessions",
		zap.String("agent_id", agentID), zap.Int("sessions", len(orphaned)))

	for _, lw := range orphaned {
		s.detachSession(ctx, lw.sessionID, storage.SessionStatusPaused, "agent disconnected")
	}
}

// sweepStaleAgents marks connected agents offline when their heartbeat is
// older than one interval plus the grace window.
func (s *Service) sweepStaleAgents(ctx context.Context) {
	agents, err := s.store.ListAgents(ctx, storage.AgentFilter{Status: storage.AgentStatusConnected})
	if err != nil {
		s.logger.Warn("agent sweep failed", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-(s.cfg.HeartbeatIntervalDuration() + s.cfg.OfflineGraceDuration()))
	for _, agent := range agents {
		if agent.LastHeartbeat != nil && agent.LastHeartbeat.After(cutoff) {
			continue
		}
		s.logger.Warn("agent heartbeat stale, dropping link", zap.String("agent_id", agent.ID))
		s.mu.Lock()
		link := s.links[agent.ID]
		s.mu.Unlock()
		if link != nil {
			// Close triggers the gateway's unregister path, which starts
			// the disconnect grace.
			link.Close()
		} else if err := s.store.UpdateAgentStatus(ctx, agent.ID, storage.AgentStatusOffline); err != nil {
			s.logger.Warn("failed to mark agent offline", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}

// detachSession clears a session's worker binding and moves it to the
// given status.
func (s *Service) detachSession(ctx context.Context, sessionID string, status storage.SessionStatus, reason string) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("detach: session load failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	session.Status = status
	session.AgentID = ""
	session.WorkerID = ""
	session.LastActivity = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Warn("detach: session update failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.publishSessionStatus(sessionID, string(status), reason)

	action := "session.pause"
	if status == storage.SessionStatusCompleted {
		action = "session.complete"
	}
	s.audit.Record(ctx, "orchestrator", action, sessionID, map[string]any{
		"reason": reason,
	})
}

func (s *Service) publishAgentLifecycle(eventType string, agent *storage.Agent) {
	event := bus.NewEvent(eventType, "orchestrator", wire.AgentLifecycle{
		AgentID: agent.ID,
		Name:    agent.Name,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, events.BuildAgentLifecycleSubject(agent.ID), event); err != nil {
		s.logger.Warn("publish agent lifecycle failed", zap.Error(err))
	}
}
