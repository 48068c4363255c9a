package tool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsClaudeFullInvocation(t *testing.T) {
	catalog := NewCatalog()
	spec, err := catalog.Get("claude")
	require.NoError(t, err)

	args := spec.Args(Invocation{
		Model:    "claude-sonnet-4",
		ResumeID: "ext-42",
		Prompt:   "fix the failing test",
	})
	assert.Equal(t, []string{
		"npx", "-y", "@anthropic-ai/claude-code",
		"-p", "--output-format=stream-json", "--verbose",
		"--model", "claude-sonnet-4",
		"--resume", "ext-42",
		"fix the failing test",
	}, args)
}

func TestArgsOmitsUnsetFlags(t *testing.T) {
	spec := &Spec{
		Name:      "minimal",
		Command:   []string{"mytool", "--stream"},
		ModelFlag: "--model",
	}
	args := spec.Args(Invocation{Prompt: "hello", MaxTokens: 4096})
	// No MaxTokensFlag on this spec, so the value is dropped.
	assert.Equal(t, []string{"mytool", "--stream", "hello"}, args)
}

func TestEnvCarriesCredentials(t *testing.T) {
	catalog := NewCatalog()
	spec, err := catalog.Get("claude")
	require.NoError(t, err)

	env := spec.Env(Invocation{APIKey: "sk-test", BaseURL: "https://proxy.internal"})
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, env, "ANTHROPIC_BASE_URL=https://proxy.internal")

	assert.Empty(t, spec.Env(Invocation{}))
}

func TestCredentialsNeverOnCommandLine(t *testing.T) {
	catalog := NewCatalog()
	for _, name := range catalog.Names() {
		spec, err := catalog.Get(name)
		require.NoError(t, err)
		args := spec.Args(Invocation{APIKey: "sk-secret", BaseURL: "https://x", Prompt: "p"})
		for _, arg := range args {
			assert.NotContains(t, arg, "sk-secret")
		}
	}
}

func TestLoadCatalogMergesOverBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	data := `tools:
  - name: claude
    command: ["claude", "-p", "--output-format=stream-json"]
    modelFlag: "--model"
    apiKeyEnv: "ANTHROPIC_API_KEY"
  - name: custom
    command: ["custom-cli", "--json"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	claude, err := catalog.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "-p", "--output-format=stream-json"}, claude.Command)

	custom, err := catalog.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-cli", "--json"}, custom.Command)

	// Untouched builtins survive the merge.
	_, err = catalog.Get("qwcoder")
	assert.NoError(t, err)
}

func TestLoadCatalogMissingFileUsesBuiltins(t *testing.T) {
	catalog, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	_, err = catalog.Get("claude")
	assert.NoError(t, err)
}

func TestLoadCatalogRejectsInvalidEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools:\n  - name: broken\n"), 0o644))
	_, err := LoadCatalog(path)
	assert.Error(t, err)
}

func TestGetUnknownTool(t *testing.T) {
	_, err := NewCatalog().Get("vim")
	assert.Error(t, err)
}
