package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/storage"
)

// Gateway serves the two websocket endpoints: /ws/client for browsers
// and /ws/agent for agent daemons.
type Gateway struct {
	hub      *ClientHub
	orch     *orchestrator.Service
	store    storage.Store
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewGateway wires the gateway to the orchestrator, the store, and the
// event bus (through the client hub).
func NewGateway(orch *orchestrator.Service, store storage.Store, eventBus bus.EventBus, verifier TokenVerifier, log *logger.Logger) (*Gateway, error) {
	gwLogger := log.WithFields(zap.String("component", "gateway"))
	hub, err := NewClientHub(eventBus, gwLogger)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		hub:      hub,
		orch:     orch,
		store:    store,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Auth is token-based; origin checks add nothing here.
				return true
			},
		},
		logger: gwLogger,
	}, nil
}

// Hub exposes the client hub, mainly for shutdown and tests.
func (g *Gateway) Hub() *ClientHub {
	return g.hub
}

// Close drops all clients and detaches from the bus.
func (g *Gateway) Close() {
	g.hub.Close()
}

// RegisterRoutes mounts the websocket endpoints on a gin router.
func (g *Gateway) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/client", g.HandleClient)
	router.GET("/ws/agent", g.HandleAgent)
}

// HandleClient authenticates and upgrades a browser connection.
func (g *Gateway) HandleClient(c *gin.Context) {
	token := bearerToken(c)
	userID, err := g.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("client upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), userID, conn, g)
	client.dispatch = g.clientDispatcher(client)
	g.hub.register(client)
	client.logger.Info("client connected")

	go client.writePump()
	client.readPump(c.Request.Context())
	client.logger.Info("client disconnected")
}

// HandleAgent upgrades an agent daemon connection. Authentication is the
// register handshake, which must be the first frame.
func (g *Gateway) HandleAgent(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("agent upgrade failed", zap.Error(err))
		return
	}
	g.serveAgent(c.Request.Context(), conn)
}

// bearerToken pulls the client token from the Authorization header, or
// from the token query parameter for browser websocket clients that
// cannot set headers.
func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return c.Query("token")
}
