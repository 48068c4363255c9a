package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/storage"
)

func (s *Server) listAgents(c *gin.Context) {
	filter := storage.AgentFilter{
		Status: storage.AgentStatus(c.Query("status")),
		Tool:   c.Query("tool"),
	}
	agents, err := s.store.ListAgents(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err, "failed to list agents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": agents, "total": len(agents)})
}

type createAgentRequest struct {
	Name         string   `json:"name"`
	MaxWorkers   int      `json:"max_workers"`
	AllowedTools []string `json:"allowed_tools"`
	Tags         []string `json:"tags"`
}

// createAgent registers a new agent identity. The secret is generated
// here and returned exactly once; only its stored copy can validate a
// daemon's register handshake later.
func (s *Server) createAgent(c *gin.Context) {
	var body createAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if body.MaxWorkers < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_workers must not be negative"})
		return
	}

	secret, err := newAgentSecret()
	if err != nil {
		s.fail(c, err, "failed to generate agent secret")
		return
	}
	agent := &storage.Agent{
		ID:           uuid.New().String(),
		Name:         body.Name,
		Secret:       secret,
		MaxWorkers:   body.MaxWorkers,
		Status:       storage.AgentStatusPending,
		AllowedTools: body.AllowedTools,
		Tags:         body.Tags,
	}
	if err := s.store.CreateAgent(c.Request.Context(), agent); err != nil {
		s.fail(c, err, "failed to create agent")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "agent.create", agent.ID, map[string]any{
		"name": agent.Name,
	})
	c.JSON(http.StatusCreated, gin.H{
		"agent":  agent,
		"secret": secret,
	})
}

func newAgentSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name         *string   `json:"name"`
	MaxWorkers   *int      `json:"max_workers"`
	AllowedTools *[]string `json:"allowed_tools"`
	Tags         *[]string `json:"tags"`
}

func (s *Server) updateAgent(c *gin.Context) {
	var body updateAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get agent")
		return
	}
	if body.Name != nil {
		agent.Name = *body.Name
	}
	if body.MaxWorkers != nil {
		agent.MaxWorkers = *body.MaxWorkers
	}
	if body.AllowedTools != nil {
		agent.AllowedTools = *body.AllowedTools
	}
	if body.Tags != nil {
		agent.Tags = *body.Tags
	}
	if err := s.store.UpdateAgent(c.Request.Context(), agent); err != nil {
		s.fail(c, err, "failed to update agent")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "agent.update", agent.ID, nil)
	c.JSON(http.StatusOK, agent)
}

func (s *Server) deleteAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteAgent(c.Request.Context(), id); err != nil {
		s.fail(c, err, "failed to delete agent")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "agent.delete", id, nil)
	c.Status(http.StatusNoContent)
}

// agentStatus combines the stored record with live orchestrator state.
func (s *Server) agentStatus(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get agent")
		return
	}

	connected := false
	for _, id := range s.orch.ConnectedAgents() {
		if id == agent.ID {
			connected = true
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":       agent.ID,
		"status":         agent.Status,
		"connected":      connected,
		"live_workers":   s.orch.AgentWorkerCount(agent.ID),
		"max_workers":    agent.MaxWorkers,
		"last_heartbeat": agent.LastHeartbeat,
	})
}
