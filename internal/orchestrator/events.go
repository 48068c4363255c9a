package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/storage"
	"github.com/coderelay/coderelay/pkg/stream"
	"github.com/coderelay/coderelay/pkg/wire"
)

// HandleWorkerEvent fans one CLI stream event out: persist what belongs in
// the message log, accumulate usage, adopt the CLI's session id, and
// publish to the session's live stream.
func (s *Service) HandleWorkerEvent(ctx context.Context, agentID string, we wire.WorkerEvent) {
	if we.Event == nil {
		return
	}
	s.mu.Lock()
	lw, ok := s.workers[we.TaskID]
	if !ok || lw.agentID != agentID {
		s.mu.Unlock()
		s.logger.Debug("event for unknown worker",
			zap.String("task_id", we.TaskID), zap.String("agent_id", agentID))
		return
	}
	sessionID := lw.sessionID
	if we.Event.Type == stream.EventResult && we.Event.Result != nil && !we.Event.Result.IsError {
		lw.cleanResult = true
	}
	s.mu.Unlock()

	if err := s.persistEvent(ctx, sessionID, we.Event); err != nil {
		s.logger.Warn("persist stream event failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	event := bus.NewEvent(events.SessionStream, "orchestrator", wire.SessionEvent{
		SessionID: sessionID,
		Event:     we.Event,
	})
	if err := s.bus.Publish(ctx, events.BuildSessionStreamSubject(sessionID), event); err != nil {
		s.logger.Warn("publish stream event failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// persistEvent writes the durable trace of a stream event. Text deltas are
// not persisted on their own: the assistant turn that follows carries the
// full message, and double-writing would break messageCount semantics.
func (s *Service) persistEvent(ctx context.Context, sessionID string, ev *stream.Event) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	dirty := false
	if ev.SessionID != "" && session.ExternalSessionID != ev.SessionID {
		session.ExternalSessionID = ev.SessionID
		dirty = true
	}

	var msg *storage.Message
	switch ev.Type {
	case stream.EventAssistant:
		if ev.Assistant != nil {
			meta := map[string]any{"type": "assistant"}
			if ev.Assistant.Model != "" {
				meta["model"] = ev.Assistant.Model
			}
			if u := ev.Assistant.Usage; u != nil {
				meta["inputTokens"] = u.InputTokens
				meta["outputTokens"] = u.OutputTokens
				session.TotalTokens += u.Total()
				dirty = true
			}
			msg = &storage.Message{
				Role:     storage.MessageRoleAssistant,
				Content:  ev.Assistant.Message,
				Metadata: meta,
			}
		}
	case stream.EventToolUse:
		if ev.ToolUse != nil {
			msg = &storage.Message{
				Role:    storage.MessageRoleAssistant,
				Content: "",
				Metadata: map[string]any{
					"type":      "tool_use",
					"toolUseId": ev.ToolUse.ID,
					"toolName":  ev.ToolUse.Name,
					"input":     ev.ToolUse.Input,
				},
			}
		}
	case stream.EventToolResult:
		if ev.ToolResult != nil {
			msg = &storage.Message{
				Role:    storage.MessageRoleSystem,
				Content: ev.ToolResult.Content,
				Metadata: map[string]any{
					"type":      "tool_result",
					"toolUseId": ev.ToolResult.UseID,
					"isError":   ev.ToolResult.IsError,
				},
			}
		}
	case stream.EventResult:
		if r := ev.Result; r != nil {
			if r.Usage != nil {
				session.TotalTokens += r.Usage.Total()
			}
			if r.CostUSD > 0 {
				session.TotalCost += r.CostUSD
			}
			dirty = true
			msg = &storage.Message{
				Role:    storage.MessageRoleSystem,
				Content: r.Text,
				Metadata: map[string]any{
					"type":       "result",
					"isError":    r.IsError,
					"durationMs": r.DurationMs,
					"turns":      r.Turns,
					"costUsd":    r.CostUSD,
				},
			}
		}
	case stream.EventError:
		msg = &storage.Message{
			Role:     storage.MessageRoleSystem,
			Content:  ev.ErrorMsg,
			Metadata: map[string]any{"type": "error"},
		}
	}

	if dirty {
		session.LastActivity = time.Now().UTC()
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return err
		}
	}
	if msg == nil {
		return nil
	}
	msg.ID = uuid.NewString()
	msg.SessionID = sessionID
	msg.CreatedAt = time.Now().UTC()
	return s.store.AppendMessage(ctx, msg)
}

// HandleWorkerStatus applies a worker lifecycle transition to its session.
func (s *Service) HandleWorkerStatus(ctx context.Context, agentID string, st wire.WorkerStatus) {
	s.mu.Lock()
	lw, ok := s.workers[st.TaskID]
	if !ok || lw.agentID != agentID {
		s.mu.Unlock()
		s.logger.Debug("status for unknown worker",
			zap.String("task_id", st.TaskID), zap.String("state", st.State))
		return
	}
	sessionID := lw.sessionID

	terminal := st.State == "stopped" || st.State == "error"
	if terminal {
		if lw.forceTimer != nil {
			lw.forceTimer.Stop()
		}
		delete(s.workers, st.TaskID)
	}
	cancelled := lw.cancelled
	cleanResult := lw.cleanResult
	s.mu.Unlock()

	s.publishWorkerStatus(st)

	switch st.State {
	case "starting", "running", "stopping":
		// Session remains active; clients see the worker state via the
		// status stream.
		s.publishSessionStatus(sessionID, string(storage.SessionStatusActive), st.State)

	case "stopped":
		switch {
		case cancelled:
			s.detachSession(ctx, sessionID, storage.SessionStatusPaused, "cancelled")
		case cleanResult:
			s.detachSession(ctx, sessionID, storage.SessionStatusCompleted, "")
		default:
			// The CLI exited without a result; the conversation can be
			// resumed later.
			s.detachSession(ctx, sessionID, storage.SessionStatusPaused, "worker exited")
		}

	case "error":
		// The session stays open for a retry or resume; only the worker
		// binding is gone.
		s.clearWorkerBinding(ctx, sessionID)
		s.publishSessionStatus(sessionID, string(storage.SessionStatusActive), st.Error)
		s.logger.Warn("worker failed",
			zap.String("session_id", sessionID),
			zap.String("worker_id", st.TaskID),
			zap.String("error", st.Error))
	}
}

// clearWorkerBinding removes the worker reference but leaves the session
// status untouched.
func (s *Service) clearWorkerBinding(ctx context.Context, sessionID string) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	session.AgentID = ""
	session.WorkerID = ""
	session.LastActivity = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Warn("clear worker binding failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) publishSessionStatus(sessionID, status, detail string) {
	event := bus.NewEvent(events.SessionStatus, "orchestrator", wire.SessionStatus{
		SessionID: sessionID,
		Status:    status,
		Error:     detail,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, events.BuildSessionStatusSubject(sessionID), event); err != nil {
		s.logger.Warn("publish session status failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) publishWorkerStatus(st wire.WorkerStatus) {
	event := bus.NewEvent(events.WorkerStatus, "orchestrator", st)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, events.BuildWorkerStatusSubject(st.TaskID), event); err != nil {
		s.logger.Warn("publish worker status failed",
			zap.String("worker_id", st.TaskID), zap.Error(err))
	}
}
