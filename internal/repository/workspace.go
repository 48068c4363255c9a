package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// MaterializeSpec describes a repository source to turn into a workspace.
// It is self-contained so the agent daemon can materialize from a wire
// frame without access to the hub's store or vault.
type MaterializeSpec struct {
	Type      string
	URL       string
	LocalPath string
	Branch    string
	Username  string
	Password  string
}

// Materialize creates workspace-<workerID>-<epochMillis> under root and
// fills it from the source: git clone for git repositories, a tree copy for
// local ones. Returns the workspace path.
func Materialize(ctx context.Context, spec MaterializeSpec, root, workerID string, log *logger.Logger) (string, error) {
	if root == "" {
		root = "workspaces"
	}
	target := filepath.Join(root, fmt.Sprintf("workspace-%s-%d", workerID, time.Now().UnixMilli()))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}

	switch spec.Type {
	case "git":
		if err := cloneInto(ctx, spec, target, log); err != nil {
			_ = os.RemoveAll(target)
			return "", err
		}
	case "local":
		if err := copyTree(spec.LocalPath, target); err != nil {
			_ = os.RemoveAll(target)
			return "", fmt.Errorf("copy local repository: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported repository type: %s", spec.Type)
	}

	return target, nil
}

func cloneInto(ctx context.Context, spec MaterializeSpec, target string, log *logger.Logger) error {
	var creds *Credentials
	if spec.Username != "" || spec.Password != "" {
		creds = &Credentials{Username: spec.Username, Password: spec.Password}
	}
	authURL, err := buildAuthURL(spec.URL, creds)
	if err != nil {
		return err
	}

	branch := spec.Branch
	if branch == "" {
		branch = "main"
	}

	log.Info("cloning repository",
		zap.String("url", redactURL(spec.URL)),
		zap.String("branch", branch),
		zap.String("target", target))

	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--single-branch", authURL, target)
	cmd.Env = nonInteractiveGitEnv()
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		// The URL may carry credentials; never echo the command line.
		return errors.New("git clone failed: " + sanitizeGitOutput(msg, authURL))
	}
	return nil
}

// sanitizeGitOutput removes the credentialed URL from git's output before
// it can reach a log or an error message.
func sanitizeGitOutput(out, authURL string) string {
	return strings.ReplaceAll(out, authURL, redactURL(authURL))
}

// copyTree copies a directory recursively, preserving file modes. Symlinks
// are recreated as links.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", src)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
