package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/pkg/wire"
)

// registerWait is how long an agent gets to send its register frame.
const registerWait = 10 * time.Second

// agentConn is the hub side of one agent daemon connection. It
// implements orchestrator.AgentLink; the orchestrator calls Send from
// its own goroutines, so writes are serialized with a mutex.
type agentConn struct {
	agentID string
	conn    *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	logger    *logger.Logger
}

func newAgentConn(agentID string, conn *websocket.Conn, log *logger.Logger) *agentConn {
	return &agentConn{
		agentID: agentID,
		conn:    conn,
		logger:  log.WithAgentID(agentID),
	}
}

// AgentID implements orchestrator.AgentLink.
func (a *agentConn) AgentID() string {
	return a.agentID
}

// Send delivers a notification frame to the daemon.
func (a *agentConn) Send(action string, payload any) error {
	msg, err := wire.NewNotification(action, payload)
	if err != nil {
		return err
	}
	return a.writeFrame(msg)
}

func (a *agentConn) writeFrame(msg *wire.Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return a.conn.WriteJSON(msg)
}

// Close implements orchestrator.AgentLink. Closing the connection makes
// the read loop in serveAgent return, which unregisters the link.
func (a *agentConn) Close() {
	a.closeOnce.Do(func() {
		_ = a.conn.Close()
	})
}

// serveAgent runs one agent connection: register handshake first, then
// the inbound loop feeding the orchestrator.
func (g *Gateway) serveAgent(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// The register frame must arrive first and promptly; anything else
	// on an unauthenticated connection is grounds to hang up.
	_ = conn.SetReadDeadline(time.Now().Add(registerWait))
	var msg wire.Message
	if err := conn.ReadJSON(&msg); err != nil {
		g.logger.Warn("agent handshake read failed", zap.Error(err))
		return
	}
	if msg.Action != wire.ActionRegister {
		g.rejectAgent(conn, msg.ID, wire.ErrorCodeBadRequest, "register must be the first frame")
		return
	}
	var req wire.RegisterRequest
	if err := msg.ParsePayload(&req); err != nil {
		g.rejectAgent(conn, msg.ID, wire.ErrorCodeBadRequest, "invalid register payload")
		return
	}

	link := newAgentConn(req.AgentID, conn, g.logger)
	resp, err := g.orch.RegisterAgent(ctx, link, req)
	if err != nil {
		g.logger.Warn("agent registration rejected",
			zap.String("agent_id", req.AgentID), zap.Error(err))
		g.rejectAgent(conn, msg.ID, wire.ErrorCodeUnauthorized, err.Error())
		return
	}
	defer g.orch.UnregisterAgent(req.AgentID, link)

	_ = conn.SetReadDeadline(time.Time{})
	reply, err := wire.NewResponse(msg.ID, wire.ActionRegister, resp)
	if err != nil {
		return
	}
	if err := link.writeFrame(reply); err != nil {
		return
	}
	link.logger.Info("agent registered", zap.Int("max_workers", resp.MaxWorkers))

	g.agentReadLoop(ctx, link)
	link.logger.Info("agent disconnected")
}

// agentReadLoop feeds inbound agent frames to the orchestrator until the
// connection dies. Staleness is the orchestrator's sweep to decide; the
// hub keeps no read deadline past the handshake.
func (g *Gateway) agentReadLoop(ctx context.Context, link *agentConn) {
	for {
		var msg wire.Message
		if err := link.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				link.logger.Warn("agent connection error", zap.Error(err))
			}
			return
		}

		switch msg.Action {
		case wire.ActionHeartbeat:
			var hb wire.Heartbeat
			if err := msg.ParsePayload(&hb); err != nil {
				link.logger.Warn("malformed heartbeat", zap.Error(err))
				continue
			}
			g.orch.Heartbeat(ctx, link.agentID, hb)

		case wire.ActionWorkerStatus:
			var st wire.WorkerStatus
			if err := msg.ParsePayload(&st); err != nil {
				link.logger.Warn("malformed worker status", zap.Error(err))
				continue
			}
			g.orch.HandleWorkerStatus(ctx, link.agentID, st)

		case wire.ActionWorkerEvent:
			var we wire.WorkerEvent
			if err := msg.ParsePayload(&we); err != nil {
				link.logger.Warn("malformed worker event", zap.Error(err))
				continue
			}
			g.orch.HandleWorkerEvent(ctx, link.agentID, we)

		default:
			link.logger.Warn("unknown agent action", zap.String("action", msg.Action))
			if frame, err := wire.NewError(msg.ID, msg.Action, wire.ErrorCodeUnknownAction, "unknown action: "+msg.Action, nil); err == nil {
				_ = link.writeFrame(frame)
			}
		}
	}
}

// rejectAgent sends an error frame and hangs up on a failed handshake.
func (g *Gateway) rejectAgent(conn *websocket.Conn, msgID, code, message string) {
	frame, err := wire.NewError(msgID, wire.ActionRegister, code, message, nil)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(frame)
}
