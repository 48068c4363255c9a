// Package httpapi is the hub's REST surface: repository, session, and
// agent management. Live session traffic stays on the websocket gateway;
// everything CRUD-shaped lives here.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/repository"
	"github.com/coderelay/coderelay/internal/secrets"
	"github.com/coderelay/coderelay/internal/storage"
)

// Server holds the handler dependencies.
type Server struct {
	store  storage.Store
	engine *repository.Engine
	orch   *orchestrator.Service
	vault  *secrets.Vault
	audit  *audit.Recorder
	logger *logger.Logger
}

// NewServer wires the REST handlers.
func NewServer(store storage.Store, engine *repository.Engine, orch *orchestrator.Service, vault *secrets.Vault, recorder *audit.Recorder, log *logger.Logger) *Server {
	return &Server{
		store:  store,
		engine: engine,
		orch:   orch,
		vault:  vault,
		audit:  recorder,
		logger: log.WithFields(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes mounts all REST endpoints.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", s.health)

	api := router.Group("/api/v1")

	api.GET("/repositories", s.listRepositories)
	api.POST("/repositories", s.createRepository)
	api.GET("/repositories/:id", s.getRepository)
	api.PATCH("/repositories/:id", s.updateRepository)
	api.DELETE("/repositories/:id", s.deleteRepository)
	api.POST("/repositories/:id/test", s.testRepository)
	api.GET("/repositories/:id/branches", s.listBranches)

	api.GET("/sessions", s.listSessions)
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.PATCH("/sessions/:id", s.updateSession)
	api.DELETE("/sessions/:id", s.archiveSession)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.POST("/sessions/:id/start", s.startSession)
	api.POST("/sessions/:id/resume", s.resumeSession)
	api.POST("/sessions/:id/cancel", s.cancelSession)

	api.GET("/agents", s.listAgents)
	api.POST("/agents", s.createAgent)
	api.GET("/agents/:id", s.getAgent)
	api.PATCH("/agents/:id", s.updateAgent)
	api.DELETE("/agents/:id", s.deleteAgent)
	api.GET("/agents/:id/status", s.agentStatus)

	api.GET("/audit", s.listAudit)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listAudit(c *gin.Context) {
	page, err := s.store.ListAudit(c.Request.Context(), pagination(c))
	if err != nil {
		s.fail(c, err, "failed to list audit entries")
		return
	}
	c.JSON(http.StatusOK, page)
}

// pagination reads page/limit query params. Bounds are enforced by the
// store's Normalize.
func pagination(c *gin.Context) storage.Pagination {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	return storage.Pagination{Page: page, Limit: limit}
}

// actor identifies the caller for the audit trail. The REST surface sits
// behind the deployment's own proxy auth; the forwarded user header is
// informational.
func actor(c *gin.Context) string {
	if user := c.GetHeader("X-User-ID"); user != "" {
		return user
	}
	return "anonymous"
}

// fail logs and answers 500, or 404 for missing records.
func (s *Server) fail(c *gin.Context, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
