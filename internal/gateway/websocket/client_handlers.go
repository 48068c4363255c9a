package websocket

import (
	"context"
	"errors"

	"github.com/coderelay/coderelay/internal/storage"
	"github.com/coderelay/coderelay/pkg/wire"
)

// snapshotMessages is how much history session:open replays.
const snapshotMessages = 50

// clientDispatcher builds the frame router for one client. Handlers run
// on the client's read goroutine; replies go back through the write pump.
func (g *Gateway) clientDispatcher(c *Client) *wire.Dispatcher {
	d := wire.NewDispatcher()
	d.RegisterFunc(wire.ActionSessionOpen, func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		return g.handleSessionOpen(ctx, c, msg)
	})
	d.RegisterFunc(wire.ActionSessionInput, func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		return g.handleSessionInput(ctx, c, msg)
	})
	d.RegisterFunc(wire.ActionSessionCancel, func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		return g.handleSessionCancel(ctx, c, msg)
	})
	d.RegisterFunc(wire.ActionAgentList, func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		return g.handleAgentList(ctx, msg)
	})
	return d
}

// authorizeSession loads a session and checks the client may touch it.
// A nil session with a non-nil frame means the reply is already built.
func (g *Gateway) authorizeSession(ctx context.Context, c *Client, msg *wire.Message, sessionID string) (*storage.Session, *wire.Message, error) {
	session, err := g.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		frame, err := wire.NewError(msg.ID, msg.Action, wire.ErrorCodeNotFound, "session not found", nil)
		return nil, frame, err
	}
	if err != nil {
		return nil, nil, err
	}
	if session.UserID != "" && session.UserID != c.userID {
		frame, err := wire.NewError(msg.ID, msg.Action, wire.ErrorCodeForbidden, "session belongs to another user", nil)
		return nil, frame, err
	}
	return session, nil, nil
}

// handleSessionOpen subscribes the client to a session and replays the
// most recent history so the UI can render without a REST round trip.
func (g *Gateway) handleSessionOpen(ctx context.Context, c *Client, msg *wire.Message) (*wire.Message, error) {
	var ref wire.SessionRef
	if err := msg.ParsePayload(&ref); err != nil {
		return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "invalid payload", nil)
	}

	session, frame, err := g.authorizeSession(ctx, c, msg, ref.SessionID)
	if session == nil {
		return frame, err
	}

	// Subscribe before reading history so no live event can slip between
	// the snapshot and the first forwarded frame.
	g.hub.subscribeSession(c, session.ID)

	messages, err := g.store.LatestMessages(ctx, session.ID, snapshotMessages)
	if err != nil {
		return nil, err
	}
	snapshot := wire.SessionSnapshot{
		SessionID: session.ID,
		Status:    string(session.Status),
		Messages:  make([]wire.SnapshotMessage, 0, len(messages)),
	}
	for _, m := range messages {
		snapshot.Messages = append(snapshot.Messages, wire.SnapshotMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	return wire.NewResponse(msg.ID, wire.ActionSessionSnapshot, snapshot)
}

func (g *Gateway) handleSessionInput(ctx context.Context, c *Client, msg *wire.Message) (*wire.Message, error) {
	var input wire.SessionInput
	if err := msg.ParsePayload(&input); err != nil || input.Content == "" {
		return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "invalid payload", nil)
	}

	session, frame, err := g.authorizeSession(ctx, c, msg, input.SessionID)
	if session == nil {
		return frame, err
	}

	if err := g.orch.SendInput(ctx, session.ID, input.Content); err != nil {
		return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, err.Error(), nil)
	}
	return wire.NewResponse(msg.ID, msg.Action, wire.SessionRef{SessionID: session.ID})
}

func (g *Gateway) handleSessionCancel(ctx context.Context, c *Client, msg *wire.Message) (*wire.Message, error) {
	var ref wire.SessionRef
	if err := msg.ParsePayload(&ref); err != nil {
		return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "invalid payload", nil)
	}

	session, frame, err := g.authorizeSession(ctx, c, msg, ref.SessionID)
	if session == nil {
		return frame, err
	}

	if err := g.orch.CancelSession(ctx, session.ID); err != nil {
		return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, err.Error(), nil)
	}
	return wire.NewResponse(msg.ID, msg.Action, wire.SessionRef{SessionID: session.ID})
}

// handleAgentList reports the live agent roster with worker occupancy.
func (g *Gateway) handleAgentList(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	agents, err := g.store.ListAgents(ctx, storage.AgentFilter{Status: storage.AgentStatusConnected})
	if err != nil {
		return nil, err
	}

	// The store can lag a disconnect; the orchestrator's link table is
	// the source of truth for liveness.
	live := make(map[string]bool)
	for _, id := range g.orch.ConnectedAgents() {
		live[id] = true
	}

	payload := wire.AgentListPayload{Agents: make([]wire.AgentSummary, 0, len(agents))}
	for _, agent := range agents {
		if !live[agent.ID] {
			continue
		}
		payload.Agents = append(payload.Agents, wire.AgentSummary{
			AgentID:     agent.ID,
			Name:        agent.Name,
			Status:      string(agent.Status),
			LiveWorkers: g.orch.AgentWorkerCount(agent.ID),
			MaxWorkers:  agent.MaxWorkers,
		})
	}
	return wire.NewResponse(msg.ID, msg.Action, payload)
}
