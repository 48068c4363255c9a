package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/secrets"
	"github.com/coderelay/coderelay/internal/storage"
)

// repositoryResponse masks stored credentials behind a placeholder.
type repositoryResponse struct {
	*storage.Repository
	Credentials string `json:"credentials,omitempty"`
}

func repoResponse(r *storage.Repository) repositoryResponse {
	resp := repositoryResponse{Repository: r}
	if r.Credentials != "" {
		resp.Credentials = secrets.Placeholder
	}
	return resp
}

func (s *Server) listRepositories(c *gin.Context) {
	search := storage.RepositorySearch{
		Query:  c.Query("search"),
		Type:   storage.RepositoryType(c.Query("type")),
		SortBy: c.Query("sort"),
	}
	if v := c.Query("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be a boolean"})
			return
		}
		search.Enabled = &enabled
	}

	page, err := s.store.SearchRepositories(c.Request.Context(), search, pagination(c))
	if err != nil {
		s.fail(c, err, "failed to list repositories")
		return
	}

	items := make([]repositoryResponse, 0, len(page.Items))
	for _, repo := range page.Items {
		items = append(items, repoResponse(repo))
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": page.Total,
		"page":  page.Page,
		"limit": page.Limit,
	})
}

type createRepositoryRequest struct {
	Name        string                      `json:"name"`
	Type        string                      `json:"type"`
	URL         string                      `json:"url"`
	LocalPath   string                      `json:"local_path"`
	Branch      string                      `json:"branch"`
	Description string                      `json:"description"`
	Enabled     *bool                       `json:"enabled"`
	Settings    *storage.RepositorySettings `json:"settings"`
	Username    string                      `json:"username"`
	Password    string                      `json:"password"`
	Token       string                      `json:"token"`
}

// encryptCredentials turns request credentials into a vault blob. A bare
// token is stored as-is; a username/password pair joins on ':'.
func (s *Server) encryptCredentials(username, password, token string) (string, error) {
	switch {
	case token != "":
		return s.vault.Encrypt(token)
	case username != "" && password != "":
		return s.vault.Encrypt(username + ":" + password)
	default:
		return "", nil
	}
}

func (s *Server) createRepository(c *gin.Context) {
	var body createRepositoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	repoType := storage.RepositoryType(body.Type)
	switch repoType {
	case storage.RepositoryTypeGit, storage.RepositoryTypeSVN:
		if body.URL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required for remote repositories"})
			return
		}
	case storage.RepositoryTypeLocal:
		if body.LocalPath == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "local_path is required for local repositories"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be git, local, or svn"})
		return
	}

	blob, err := s.encryptCredentials(body.Username, body.Password, body.Token)
	if err != nil {
		s.fail(c, err, "failed to encrypt credentials")
		return
	}

	repo := &storage.Repository{
		ID:          uuid.New().String(),
		Name:        body.Name,
		Type:        repoType,
		URL:         body.URL,
		LocalPath:   body.LocalPath,
		Branch:      body.Branch,
		Credentials: blob,
		Enabled:     body.Enabled == nil || *body.Enabled,
		Description: body.Description,
	}
	if body.Settings != nil {
		repo.Settings = *body.Settings
	}

	if err := s.store.CreateRepository(c.Request.Context(), repo); err != nil {
		s.fail(c, err, "failed to create repository")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "repository.create", repo.ID, map[string]any{
		"name": repo.Name,
		"type": string(repo.Type),
	})
	c.JSON(http.StatusCreated, repoResponse(repo))
}

func (s *Server) getRepository(c *gin.Context) {
	repo, err := s.store.GetRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get repository")
		return
	}
	c.JSON(http.StatusOK, repoResponse(repo))
}

type updateRepositoryRequest struct {
	Name             *string                     `json:"name"`
	URL              *string                     `json:"url"`
	LocalPath        *string                     `json:"local_path"`
	Branch           *string                     `json:"branch"`
	Description      *string                     `json:"description"`
	Enabled          *bool                       `json:"enabled"`
	Settings         *storage.RepositorySettings `json:"settings"`
	Username         string                      `json:"username"`
	Password         string                      `json:"password"`
	Token            string                      `json:"token"`
	ClearCredentials bool                        `json:"clear_credentials"`
}

func (s *Server) updateRepository(c *gin.Context) {
	var body updateRepositoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	repo, err := s.store.GetRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get repository")
		return
	}

	if body.Name != nil {
		repo.Name = *body.Name
	}
	if body.URL != nil {
		repo.URL = *body.URL
	}
	if body.LocalPath != nil {
		repo.LocalPath = *body.LocalPath
	}
	if body.Branch != nil {
		repo.Branch = *body.Branch
	}
	if body.Description != nil {
		repo.Description = *body.Description
	}
	if body.Enabled != nil {
		repo.Enabled = *body.Enabled
	}
	if body.Settings != nil {
		repo.Settings = *body.Settings
	}
	if body.ClearCredentials {
		repo.Credentials = ""
	} else if body.Token != "" || body.Password != "" {
		blob, err := s.encryptCredentials(body.Username, body.Password, body.Token)
		if err != nil {
			s.fail(c, err, "failed to encrypt credentials")
			return
		}
		repo.Credentials = blob
	} else if secrets.IsLegacyFormat(repo.Credentials) {
		// Pre-versioning blobs migrate to the current format on the next
		// update, fresh nonce included.
		blob, err := s.vault.Reencrypt(repo.Credentials)
		if err != nil {
			s.fail(c, err, "failed to re-encrypt credentials")
			return
		}
		repo.Credentials = blob
	}

	if err := s.store.UpdateRepository(c.Request.Context(), repo); err != nil {
		s.fail(c, err, "failed to update repository")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "repository.update", repo.ID, nil)
	c.JSON(http.StatusOK, repoResponse(repo))
}

func (s *Server) deleteRepository(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteRepository(c.Request.Context(), id); err != nil {
		s.fail(c, err, "failed to delete repository")
		return
	}
	s.audit.Record(c.Request.Context(), actor(c), "repository.delete", id, nil)
	c.Status(http.StatusNoContent)
}

// testRepository probes connectivity with the repository's retry policy
// and persists the outcome on the record's metadata.
func (s *Server) testRepository(c *gin.Context) {
	repo, err := s.store.GetRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get repository")
		return
	}

	result := s.engine.TestWithRetry(c.Request.Context(), repo, nil)
	s.audit.Record(c.Request.Context(), actor(c), "repository.test", repo.ID, map[string]any{
		"success": result.Success,
	})
	c.JSON(http.StatusOK, result)
}

func (s *Server) listBranches(c *gin.Context) {
	branches, defaultBranch, err := s.engine.Branches(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to list branches")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"branches":      branches,
		"defaultBranch": defaultBranch,
	})
}
