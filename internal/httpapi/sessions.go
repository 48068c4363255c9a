package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/storage"
)

func (s *Server) listSessions(c *gin.Context) {
	filter := storage.SessionFilter{
		UserID:       c.Query("user"),
		Status:       storage.SessionStatus(c.Query("status")),
		RepositoryID: c.Query("repository"),
		AgentID:      c.Query("agent"),
	}
	page, err := s.store.ListSessions(c.Request.Context(), filter, pagination(c))
	if err != nil {
		s.fail(c, err, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, page)
}

type createSessionRequest struct {
	Name         string `json:"name"`
	AITool       string `json:"ai_tool"`
	RepositoryID string `json:"repository_id"`
	UserID       string `json:"user_id"`
}

// createSession binds a repo and a tool. The session starts paused;
// POST :id/start dispatches it to an agent.
func (s *Server) createSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" || body.AITool == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and ai_tool are required"})
		return
	}
	if body.RepositoryID != "" {
		if _, err := s.store.GetRepository(c.Request.Context(), body.RepositoryID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "repository does not exist"})
				return
			}
			s.fail(c, err, "failed to check repository")
			return
		}
	}

	userID := body.UserID
	if userID == "" {
		userID = actor(c)
	}
	session := &storage.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         body.Name,
		AITool:       body.AITool,
		Status:       storage.SessionStatusPaused,
		RepositoryID: body.RepositoryID,
	}
	if err := s.store.CreateSession(c.Request.Context(), session); err != nil {
		s.fail(c, err, "failed to create session")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "session.create", session.ID, map[string]any{
		"name": session.Name,
		"tool": session.AITool,
	})
	c.JSON(http.StatusCreated, session)
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, session)
}

type updateSessionRequest struct {
	Name *string `json:"name"`
}

func (s *Server) updateSession(c *gin.Context) {
	var body updateSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get session")
		return
	}
	if body.Name != nil {
		session.Name = *body.Name
	}
	if err := s.store.UpdateSession(c.Request.Context(), session); err != nil {
		s.fail(c, err, "failed to update session")
		return
	}
	c.JSON(http.StatusOK, session)
}

// archiveSession is DELETE: history is kept, the session just leaves
// every listing default. A live worker is cancelled first.
func (s *Server) archiveSession(c *gin.Context) {
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get session")
		return
	}

	if session.WorkerID != "" {
		if err := s.orch.CancelSession(c.Request.Context(), session.ID); err != nil {
			s.logger.Warn("cancel before archive failed: " + err.Error())
		}
		// Re-read: cancel may have already rewritten status and bindings.
		if session, err = s.store.GetSession(c.Request.Context(), session.ID); err != nil {
			s.fail(c, err, "failed to get session")
			return
		}
	}

	session.Status = storage.SessionStatusArchived
	if err := s.store.UpdateSession(c.Request.Context(), session); err != nil {
		s.fail(c, err, "failed to archive session")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "session.archive", session.ID, nil)
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	if _, err := s.store.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, "failed to get session")
		return
	}
	page, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), pagination(c))
	if err != nil {
		s.fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, page)
}

type sessionPromptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) startSession(c *gin.Context) {
	var body sessionPromptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.dispatchSession(c, body.Prompt, false)
}

func (s *Server) resumeSession(c *gin.Context) {
	var body sessionPromptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.dispatchSession(c, body.Prompt, true)
}

func (s *Server) dispatchSession(c *gin.Context, prompt string, resume bool) {
	id := c.Param("id")
	var err error
	if resume {
		err = s.orch.ResumeSession(c.Request.Context(), id, prompt)
	} else {
		err = s.orch.StartSession(c.Request.Context(), id, prompt)
	}
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	case errors.Is(err, orchestrator.ErrNoAgentAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no agent available"})
		return
	case errors.Is(err, orchestrator.ErrSessionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "session already running"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action := "session.start"
	if resume {
		action = "session.resume"
	}
	s.audit.Record(c.Request.Context(), actor(c), action, id, nil)

	session, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) cancelSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.CancelSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "session.cancel", id, nil)
	c.Status(http.StatusAccepted)
}
