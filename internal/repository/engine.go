package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/errclass"
	"github.com/coderelay/coderelay/internal/retry"
	"github.com/coderelay/coderelay/internal/secrets"
	"github.com/coderelay/coderelay/internal/storage"
)

const (
	defaultProbeTimeout = 10 * time.Second
	defaultRetryCount   = 3
	defaultCacheTTL     = time.Hour
)

// Engine probes repositories, caches branch metadata, and materializes
// workspaces. It is safe for concurrent use; concurrent probes of the same
// repository are collapsed into one.
type Engine struct {
	store         storage.RepositoryStore
	vault         *secrets.Vault
	logger        *logger.Logger
	probe         probeFunc
	cacheTTL      time.Duration
	probeTimeout  time.Duration
	retryCount    int
	workspaceRoot string
	group         singleflight.Group
}

// NewEngine creates an Engine backed by the given store and vault.
func NewEngine(store storage.RepositoryStore, vault *secrets.Vault, cfg config.RepositoryConfig, workspacesRoot string, log *logger.Logger) *Engine {
	probeTimeout := cfg.ConnectionTimeout()
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	cacheTTL := cfg.BranchCacheTTLDuration()
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if workspacesRoot == "" {
		workspacesRoot = "workspaces"
	}

	return &Engine{
		store:         store,
		vault:         vault,
		logger:        log,
		probe:         gitProbe,
		cacheTTL:      cacheTTL,
		probeTimeout:  probeTimeout,
		retryCount:    retryCount,
		workspaceRoot: workspacesRoot,
	}
}

// Test probes the repository once. It classifies failures but neither
// retries nor persists anything.
func (e *Engine) Test(ctx context.Context, repo *storage.Repository) *storage.TestResult {
	switch repo.Type {
	case storage.RepositoryTypeGit:
		return e.testGit(ctx, repo)
	case storage.RepositoryTypeLocal:
		return e.testLocal(repo)
	default:
		return failedResult(fmt.Sprintf("unsupported repository type: %s", repo.Type), errclass.KindInvalidFormat)
	}
}

func (e *Engine) testGit(ctx context.Context, repo *storage.Repository) *storage.TestResult {
	creds, err := DecryptCredentials(e.vault, repo.Credentials)
	if err != nil {
		return classifyFailure(err)
	}
	authURL, err := buildAuthURL(repo.URL, creds)
	if err != nil {
		return classifyFailure(err)
	}

	timeout := e.probeTimeout
	if repo.Settings.ConnectionTimeoutMs > 0 {
		timeout = time.Duration(repo.Settings.ConnectionTimeoutMs) * time.Millisecond
	}

	raw, err := e.probe(ctx, authURL, timeout)
	if err != nil {
		return classifyFailure(err)
	}

	branches := ParseBranches(raw)
	actualBranch, _ := OptimalBranch(repo.Branch, branches)
	validation := ValidateBranch(repo.Branch, branches)

	return &storage.TestResult{
		Success:   true,
		Message:   "connection successful",
		Timestamp: time.Now().UTC(),
		Details: storage.TestDetails{
			Branches:         branches,
			DefaultBranch:    DefaultBranch(branches),
			ActualBranch:     actualBranch,
			BranchValidation: &validation,
			IsGitRepo:        true,
		},
	}
}

func (e *Engine) testLocal(repo *storage.Repository) *storage.TestResult {
	isGitRepo, err := localProbe(repo.LocalPath)
	if err != nil {
		return classifyFailure(err)
	}
	return &storage.TestResult{
		Success:   true,
		Message:   "path accessible",
		Timestamp: time.Now().UTC(),
		Details: storage.TestDetails{
			IsGitRepo: isGitRepo,
		},
	}
}

// TestWithRetry probes under the retry policy derived from the repository's
// settings merged with optional caller overrides, then persists the outcome
// onto the repository's metadata. On success it also refreshes branch
// metadata and, when the stored branch is absent or no longer valid,
// rewrites it to the resolved actual branch.
func (e *Engine) TestWithRetry(ctx context.Context, repo *storage.Repository, overrides *retry.Config) *storage.TestResult {
	cfg := e.retryConfig(repo, overrides)

	var result *storage.TestResult
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		result = e.Test(ctx, repo)
		if result.Success {
			return nil
		}
		// Re-surface the raw cause so the retry engine classifies the
		// real failure, not our derived message.
		msg := result.Details.Error
		if msg == "" {
			msg = result.Message
		}
		return errors.New(msg)
	})

	if err != nil {
		var retryErr *retry.Error
		if errors.As(err, &retryErr) {
			result.RetryCount = retryErr.RetryCount()
			result.RetryDetails = retryErr.Attempts
		}
	}
	result.Timestamp = time.Now().UTC()

	e.persistResult(ctx, repo, result)
	return result
}

func (e *Engine) retryConfig(repo *storage.Repository, overrides *retry.Config) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = e.retryCount
	if repo.Settings.RetryCount > 0 {
		cfg.MaxAttempts = repo.Settings.RetryCount
	}
	if overrides != nil {
		if overrides.MaxAttempts > 0 {
			cfg.MaxAttempts = overrides.MaxAttempts
		}
		if overrides.BaseDelay > 0 {
			cfg.BaseDelay = overrides.BaseDelay
		}
		if overrides.MaxDelay > 0 {
			cfg.MaxDelay = overrides.MaxDelay
		}
		if overrides.TotalTimeout > 0 {
			cfg.TotalTimeout = overrides.TotalTimeout
		}
		if overrides.RetryableKinds != nil {
			cfg.RetryableKinds = overrides.RetryableKinds
		}
	}
	return cfg
}

// persistResult caches the outcome on the repository record. Persistence
// failures are logged, not surfaced: the probe result stands on its own.
func (e *Engine) persistResult(ctx context.Context, repo *storage.Repository, result *storage.TestResult) {
	now := result.Timestamp
	meta := repo.Metadata
	meta.LastTestDate = &now
	meta.LastTestResult = result

	newBranch := ""
	if result.Success && result.Details.IsGitRepo {
		meta.AvailableBranches = result.Details.Branches
		meta.DefaultBranch = result.Details.DefaultBranch

		// Adopt the resolved branch when the user never chose one or the
		// chosen one no longer exists on the remote.
		validation := result.Details.BranchValidation
		if repo.Branch == "" || (validation != nil && !validation.IsValid) {
			if result.Details.ActualBranch != "" && result.Details.ActualBranch != repo.Branch {
				newBranch = result.Details.ActualBranch
			}
		}
	}

	if err := e.store.UpdateRepositoryMetadata(ctx, repo.ID, newBranch, meta); err != nil {
		e.logger.Warn("failed to persist test result",
			zap.String("repository_id", repo.ID),
			zap.Error(err))
		return
	}
	repo.Metadata = meta
	if newBranch != "" {
		repo.Branch = newBranch
	}
}

// Branches returns the repository's branch list, served from cached
// metadata while it is fresh and re-probed otherwise. A failed re-probe
// falls back to the stale cache when one exists.
func (e *Engine) Branches(ctx context.Context, repoID string) ([]string, string, error) {
	repo, err := e.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, "", err
	}

	if e.cacheFresh(repo) {
		return repo.Metadata.AvailableBranches, repo.Metadata.DefaultBranch, nil
	}

	// Collapse concurrent refreshes of the same repository.
	v, err, _ := e.group.Do(repoID, func() (any, error) {
		fresh, err := e.store.GetRepository(ctx, repoID)
		if err != nil {
			return nil, err
		}
		if e.cacheFresh(fresh) {
			return fresh, nil
		}
		result := e.TestWithRetry(ctx, fresh, nil)
		if !result.Success {
			if len(fresh.Metadata.AvailableBranches) > 0 {
				e.logger.Warn("branch refresh failed, serving stale cache",
					zap.String("repository_id", repoID),
					zap.String("error_kind", string(result.Details.ErrorKind)))
				return fresh, nil
			}
			return nil, fmt.Errorf("branch listing failed: %s", result.Message)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, "", err
	}

	repo = v.(*storage.Repository)
	return repo.Metadata.AvailableBranches, repo.Metadata.DefaultBranch, nil
}

func (e *Engine) cacheFresh(repo *storage.Repository) bool {
	meta := repo.Metadata
	if meta.LastTestDate == nil || meta.LastTestResult == nil || !meta.LastTestResult.Success {
		return false
	}
	return time.Since(*meta.LastTestDate) < e.cacheTTL
}

// CreateWorkspace materializes a workspace directory for a worker from the
// repository's source. For git repositories the configured branch (default
// main) is cloned with decrypted credentials; local repositories are copied.
func (e *Engine) CreateWorkspace(ctx context.Context, repoID, workerID string) (string, error) {
	repo, err := e.store.GetRepository(ctx, repoID)
	if err != nil {
		return "", err
	}

	creds, err := DecryptCredentials(e.vault, repo.Credentials)
	if err != nil {
		return "", err
	}

	spec := MaterializeSpec{
		Type:      string(repo.Type),
		URL:       repo.URL,
		LocalPath: repo.LocalPath,
		Branch:    repo.Branch,
	}
	if creds != nil {
		spec.Username = creds.Username
		spec.Password = creds.Password
	}

	return Materialize(ctx, spec, e.workspaceRoot, workerID, e.logger)
}

func failedResult(msg string, kind errclass.Kind) *storage.TestResult {
	return &storage.TestResult{
		Success:   false,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Details: storage.TestDetails{
			ErrorKind: kind,
			Error:     msg,
		},
	}
}

// classifyFailure shapes a probe error into a TestResult. The user-facing
// message comes from the kind; the raw cause survives only in details.
func classifyFailure(err error) *storage.TestResult {
	kind := errclass.ClassifyErr(err)
	return &storage.TestResult{
		Success:   false,
		Message:   errclass.Message(kind),
		Timestamp: time.Now().UTC(),
		Details: storage.TestDetails{
			ErrorKind: kind,
			Error:     err.Error(),
		},
	}
}
