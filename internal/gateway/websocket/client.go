package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/pkg/wire"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long we wait for a pong before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the per-client outbound backlog. A client that
	// cannot drain it gets dropped; the hub never blocks on a slow peer.
	sendBufferSize = 256
)

// Client is one connected browser. Frames flow out through send; the
// write pump owns the connection for writes.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	gw     *Gateway

	send chan []byte
	// sessions the client has opened, maintained by the hub.
	sessions map[string]bool
	// dispatch routes this client's inbound frames, built at connect time.
	dispatch *wire.Dispatcher

	dropOnce sync.Once
	logger   *logger.Logger
}

func newClient(id, userID string, conn *websocket.Conn, gw *Gateway) *Client {
	return &Client{
		id:       id,
		userID:   userID,
		conn:     conn,
		gw:       gw,
		send:     make(chan []byte, sendBufferSize),
		sessions: make(map[string]bool),
		logger: gw.logger.WithFields(
			zap.String("client_id", id),
			zap.String("user_id", userID),
		),
	}
}

// enqueue hands a frame to the write pump without blocking. A full
// buffer means the client is not keeping up; drop it rather than stall
// every other subscriber behind the hub lock.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.drop("send buffer full")
	}
}

func (c *Client) drop(reason string) {
	c.dropOnce.Do(func() {
		c.logger.Warn("dropping slow client", zap.String("reason", reason))
		_ = c.conn.Close()
	})
}

// sendFrame marshals and enqueues a wire frame.
func (c *Client) sendFrame(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal frame failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// readPump consumes inbound frames until the connection dies. Runs on
// the connection's goroutine; replies go out through the write pump.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gw.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("client connection error", zap.Error(err))
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed client frame", zap.Error(err))
			if errFrame, ferr := wire.NewError("", "", wire.ErrorCodeBadRequest, "malformed frame", nil); ferr == nil {
				c.sendFrame(errFrame)
			}
			continue
		}

		reply, err := c.dispatch.Dispatch(ctx, &msg)
		if err != nil {
			c.logger.Error("client frame failed", zap.String("action", msg.Action), zap.Error(err))
			reply, _ = wire.NewError(msg.ID, msg.Action, wire.ErrorCodeInternalError, err.Error(), nil)
		}
		if reply != nil {
			c.sendFrame(reply)
		}
	}
}

// writePump owns outbound writes: queued frames, batching, and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Drain whatever queued up while we were writing.
			for i := 0; i < len(c.send); i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
