package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/repository"
	"github.com/coderelay/coderelay/internal/storage"
	"github.com/coderelay/coderelay/pkg/wire"
)

// StartSession assigns a session to an agent and spawns its worker. The
// initial prompt, when present, is logged as a user message and handed to
// the CLI as its first instruction.
func (s *Service) StartSession(ctx context.Context, sessionID, initialPrompt string) error {
	return s.launch(ctx, sessionID, initialPrompt, false)
}

// ResumeSession restarts a paused session, reusing the CLI's external
// session id so the tool restores its own conversation state. The target
// agent may differ from the one that ran the session before.
func (s *Service) ResumeSession(ctx context.Context, sessionID, prompt string) error {
	return s.launch(ctx, sessionID, prompt, true)
}

func (s *Service) launch(ctx context.Context, sessionID, prompt string, resume bool) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch session.Status {
	case storage.SessionStatusCompleted, storage.SessionStatusArchived:
		return fmt.Errorf("session is %s", session.Status)
	}

	s.mu.Lock()
	if s.workerBySession(sessionID) != nil {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	agentID, link, err := s.pickAgentLocked(ctx, session.AITool)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	workerID := uuid.NewString()
	lw := &liveWorker{
		workerID:  workerID,
		sessionID: sessionID,
		agentID:   agentID,
	}
	s.workers[workerID] = lw
	s.mu.Unlock()

	start, err := s.buildWorkerStart(ctx, session, workerID, prompt, resume)
	if err != nil {
		s.dropWorker(workerID)
		return err
	}

	if prompt != "" {
		msg := &storage.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      storage.MessageRoleUser,
			Content:   prompt,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			s.dropWorker(workerID)
			return fmt.Errorf("append prompt message: %w", err)
		}
	}

	if err := link.Send(wire.ActionWorkerStart, start); err != nil {
		s.dropWorker(workerID)
		return fmt.Errorf("send worker start: %w", err)
	}

	session.Status = storage.SessionStatusActive
	session.AgentID = agentID
	session.WorkerID = workerID
	session.LastActivity = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	s.publishSessionStatus(sessionID, string(storage.SessionStatusActive), "")
	s.logger.Info("session launched",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.String("worker_id", workerID),
		zap.Bool("resume", resume))
	return nil
}

// buildWorkerStart assembles the start frame, decrypting repository
// credentials for transport over the authenticated agent link only.
func (s *Service) buildWorkerStart(ctx context.Context, session *storage.Session, workerID, prompt string, resume bool) (*wire.WorkerStart, error) {
	start := &wire.WorkerStart{
		TaskID:        workerID,
		SessionID:     session.ID,
		Tool:          session.AITool,
		InitialPrompt: prompt,
	}
	if resume && session.ExternalSessionID != "" {
		start.ResumeID = session.ExternalSessionID
	}

	if session.RepositoryID == "" {
		return start, nil
	}
	repo, err := s.store.GetRepository(ctx, session.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}

	branch := repo.Branch
	if branch == "" {
		branch = repo.Metadata.DefaultBranch
	}
	spec := &wire.RepoSpec{
		Type:      string(repo.Type),
		URL:       repo.URL,
		LocalPath: repo.LocalPath,
		Branch:    branch,
	}
	creds, err := repository.DecryptCredentials(s.vault, repo.Credentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt repository credentials: %w", err)
	}
	if creds != nil {
		spec.Username = creds.Username
		spec.Password = creds.Password
	}
	start.Repo = spec
	return start, nil
}

// pickAgentLocked chooses the next connected agent that allows the tool
// and has free capacity, round-robin. Caller holds s.mu.
func (s *Service) pickAgentLocked(ctx context.Context, tool string) (string, AgentLink, error) {
	agents, err := s.store.ListAgents(ctx, storage.AgentFilter{Status: storage.AgentStatusConnected})
	if err != nil {
		return "", nil, err
	}

	var candidates []*storage.Agent
	for _, agent := range agents {
		link, connected := s.links[agent.ID]
		if !connected || link == nil {
			continue
		}
		if !agent.AllowsTool(tool) {
			continue
		}
		max := agent.MaxWorkers
		if max <= 0 {
			max = s.cfg.DefaultMaxWorkers
		}
		if s.liveWorkerCount(agent.ID) >= max {
			continue
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return "", nil, ErrNoAgentAvailable
	}

	agent := candidates[s.rr%len(candidates)]
	s.rr++
	return agent.ID, s.links[agent.ID], nil
}

// SendInput logs user text to the session and forwards it to the worker's
// stdin.
func (s *Service) SendInput(ctx context.Context, sessionID, content string) error {
	s.mu.Lock()
	lw := s.workerBySession(sessionID)
	var link AgentLink
	if lw != nil {
		link = s.links[lw.agentID]
	}
	s.mu.Unlock()

	if lw == nil {
		return fmt.Errorf("session has no live worker")
	}
	if link == nil {
		return fmt.Errorf("agent link is down")
	}

	msg := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      storage.MessageRoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append input message: %w", err)
	}

	return link.Send(wire.ActionWorkerInput, wire.WorkerInput{
		TaskID:  lw.workerID,
		Content: content,
	})
}

// CancelSession stops a session's worker. If the worker does not confirm
// within the force timeout, the session is paused anyway.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	lw := s.workerBySession(sessionID)
	if lw == nil {
		s.mu.Unlock()
		// No live worker: an active session without one just pauses.
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == storage.SessionStatusActive {
			s.detachSession(ctx, sessionID, storage.SessionStatusPaused, "cancelled")
		}
		return nil
	}

	lw.cancelled = true
	link := s.links[lw.agentID]
	workerID := lw.workerID
	lw.forceTimer = time.AfterFunc(cancelForceTimeout, func() {
		s.forcePause(workerID)
	})
	s.mu.Unlock()

	if link == nil {
		// Agent link is down; the grace path will pause the session, but
		// the user asked now.
		s.forcePause(workerID)
		return nil
	}
	return link.Send(wire.ActionWorkerStop, wire.WorkerStop{TaskID: workerID})
}

// forcePause finalizes a cancel whose worker never reported a terminal
// status.
func (s *Service) forcePause(workerID string) {
	s.mu.Lock()
	lw, ok := s.workers[workerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.workers, workerID)
	s.mu.Unlock()

	s.logger.Warn("worker stop unconfirmed, forcing pause",
		zap.String("worker_id", workerID),
		zap.String("session_id", lw.sessionID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.detachSession(ctx, lw.sessionID, storage.SessionStatusPaused, "worker stop timed out")
}

// dropWorker removes a live-worker record that never launched.
func (s *Service) dropWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
}
