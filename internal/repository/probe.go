package repository

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// nonInteractiveGitEnv disables every interactive authentication path git
// knows about: terminal prompts, the credential manager, and the askpass
// helper. Credentials arrive embedded in the URL or not at all.
func nonInteractiveGitEnv() []string {
	return append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
		"GIT_ASKPASS=echo",
	)
}

// probeFunc runs a remote-refs probe and returns the raw ls-remote output.
// It is a field on the Engine so tests can substitute a fake remote.
type probeFunc func(ctx context.Context, authURL string, timeout time.Duration) (string, error)

// gitProbe lists remote heads with a bounded timeout.
func gitProbe(ctx context.Context, authURL string, timeout time.Duration) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "git", "ls-remote", "--heads", authURL)
	cmd.Env = nonInteractiveGitEnv()

	out, err := cmd.CombinedOutput()
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return "", errors.New("connection timed out")
		}
		// git writes the failure reason to the combined output; surface it
		// so the classifier sees the real cause.
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.New(msg)
	}
	return string(out), nil
}

// localProbe checks that a local repository path exists and reports whether
// it carries a version-control marker.
func localProbe(path string) (isGitRepo bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, errors.New("path does not exist: " + path)
		}
		if os.IsPermission(err) {
			return false, errors.New("permission denied: " + path)
		}
		return false, err
	}
	if !info.IsDir() {
		return false, errors.New("path is not a directory: " + path)
	}

	gitDir, err := os.Stat(filepath.Join(path, ".git"))
	if err == nil && gitDir.IsDir() {
		return true, nil
	}
	return false, nil
}
