// Package websocket is the hub's gateway: the client link browsers talk
// to and the agent link daemons register on. Both ride the pkg/wire frame
// envelope over gorilla websockets.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/pkg/wire"
)

// ClientHub tracks connected browser clients and fans bus events out to
// the clients watching each session.
type ClientHub struct {
	mu sync.RWMutex
	// clients holds every connected client.
	clients map[*Client]bool
	// sessionSubscribers maps a session id to the clients that opened it.
	sessionSubscribers map[string]map[*Client]bool

	subs   []bus.Subscription
	logger *logger.Logger
}

// NewClientHub creates the hub and wires it to the event bus: worker
// stream events, session status transitions, and agent lifecycle changes
// all reach clients through here.
func NewClientHub(eventBus bus.EventBus, log *logger.Logger) (*ClientHub, error) {
	h := &ClientHub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		logger:             log.WithFields(zap.String("component", "client_hub")),
	}

	streamSub, err := eventBus.Subscribe(events.BuildSessionStreamWildcardSubject(), h.onSessionStream)
	if err != nil {
		return nil, err
	}
	statusSub, err := eventBus.Subscribe(events.BuildSessionStatusWildcardSubject(), h.onSessionStatus)
	if err != nil {
		streamSub.Unsubscribe()
		return nil, err
	}
	lifecycleSub, err := eventBus.Subscribe(events.BuildAgentLifecycleWildcardSubject(), h.onAgentLifecycle)
	if err != nil {
		streamSub.Unsubscribe()
		statusSub.Unsubscribe()
		return nil, err
	}
	h.subs = []bus.Subscription{streamSub, statusSub, lifecycleSub}
	return h, nil
}

// Close detaches the hub from the bus and drops every client.
func (h *ClientHub) Close() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *ClientHub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

func (h *ClientHub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sessionID := range client.sessions {
		h.dropSubscriberLocked(sessionID, client)
	}
}

func (h *ClientHub) subscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.sessions[sessionID] = true
}

func (h *ClientHub) dropSubscriberLocked(sessionID string, client *Client) {
	if subs, ok := h.sessionSubscribers[sessionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// ClientCount reports connected clients.
func (h *ClientHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastToSession sends a frame to the clients that opened a session.
func (h *ClientHub) broadcastToSession(sessionID string, msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal session frame failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionSubscribers[sessionID] {
		client.enqueue(data)
	}
}

// broadcastAll sends a frame to every connected client.
func (h *ClientHub) broadcastAll(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast frame failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

func (h *ClientHub) onSessionStream(ctx context.Context, event *bus.Event) error {
	sessionID := extractSessionID(event.Data)
	if sessionID == "" {
		return nil
	}
	msg, err := wire.NewNotification(wire.ActionSessionEvent, event.Data)
	if err != nil {
		return err
	}
	h.broadcastToSession(sessionID, msg)
	return nil
}

func (h *ClientHub) onSessionStatus(ctx context.Context, event *bus.Event) error {
	sessionID := extractSessionID(event.Data)
	if sessionID == "" {
		return nil
	}
	msg, err := wire.NewNotification(wire.ActionSessionStatus, event.Data)
	if err != nil {
		return err
	}
	h.broadcastToSession(sessionID, msg)
	return nil
}

func (h *ClientHub) onAgentLifecycle(ctx context.Context, event *bus.Event) error {
	action := wire.ActionAgentConnected
	if event.Type == events.AgentDisconnected {
		action = wire.ActionAgentDisconnected
	}
	msg, err := wire.NewNotification(action, event.Data)
	if err != nil {
		return err
	}
	h.broadcastAll(msg)
	return nil
}

// extractSessionID pulls the session id from a bus payload, which is a
// typed struct on the in-memory bus and a decoded JSON map over NATS.
func extractSessionID(data any) string {
	switch v := data.(type) {
	case wire.SessionEvent:
		return v.SessionID
	case wire.SessionStatus:
		return v.SessionID
	case map[string]any:
		if id, ok := v["sessionId"].(string); ok {
			return id
		}
	}
	return ""
}
