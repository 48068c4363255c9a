// Package tool describes how each supported AI CLI is invoked: binary,
// streaming flags, resume flag, and the environment variables credentials
// travel through. Built-in specs cover the known tools; a YAML catalog can
// override them or add new ones without a rebuild.
package tool

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Spec describes one CLI tool.
type Spec struct {
	// Name is the tool identifier sessions reference ("claude", "cursor").
	Name string `yaml:"name"`

	// Command is the argv prefix including the streaming-mode flags. The
	// prompt is appended as the final positional argument.
	Command []string `yaml:"command"`

	// ModelFlag, ResumeFlag, MaxTokensFlag, and TemperatureFlag are added
	// with their values when the invocation sets them. Empty means the
	// tool has no such flag.
	ModelFlag       string `yaml:"modelFlag"`
	ResumeFlag      string `yaml:"resumeFlag"`
	MaxTokensFlag   string `yaml:"maxTokensFlag"`
	TemperatureFlag string `yaml:"temperatureFlag"`

	// APIKeyEnv and BaseURLEnv name the environment variables credentials
	// and endpoint overrides are passed through. Credentials never appear
	// on the command line.
	APIKeyEnv  string `yaml:"apiKeyEnv"`
	BaseURLEnv string `yaml:"baseUrlEnv"`
}

// Invocation carries the per-run parameters for building a command line.
type Invocation struct {
	Model       string
	MaxTokens   int
	Temperature float64
	ResumeID    string
	Prompt      string
	APIKey      string
	BaseURL     string
}

// Args builds the full argv for an invocation.
func (s *Spec) Args(inv Invocation) []string {
	args := append([]string(nil), s.Command...)
	if inv.Model != "" && s.ModelFlag != "" {
		args = append(args, s.ModelFlag, inv.Model)
	}
	if inv.ResumeID != "" && s.ResumeFlag != "" {
		args = append(args, s.ResumeFlag, inv.ResumeID)
	}
	if inv.MaxTokens > 0 && s.MaxTokensFlag != "" {
		args = append(args, s.MaxTokensFlag, strconv.Itoa(inv.MaxTokens))
	}
	if inv.Temperature > 0 && s.TemperatureFlag != "" {
		args = append(args, s.TemperatureFlag, strconv.FormatFloat(inv.Temperature, 'f', -1, 64))
	}
	if inv.Prompt != "" {
		args = append(args, inv.Prompt)
	}
	return args
}

// Env returns the environment additions for an invocation.
func (s *Spec) Env(inv Invocation) []string {
	var env []string
	if inv.APIKey != "" && s.APIKeyEnv != "" {
		env = append(env, s.APIKeyEnv+"="+inv.APIKey)
	}
	if inv.BaseURL != "" && s.BaseURLEnv != "" {
		env = append(env, s.BaseURLEnv+"="+inv.BaseURL)
	}
	return env
}

// builtins are the specs shipped with the agent.
func builtins() map[string]*Spec {
	return map[string]*Spec{
		"claude": {
			Name: "claude",
			Command: []string{
				"npx", "-y", "@anthropic-ai/claude-code",
				"-p", "--output-format=stream-json", "--verbose",
			},
			ModelFlag:  "--model",
			ResumeFlag: "--resume",
			APIKeyEnv:  "ANTHROPIC_API_KEY",
			BaseURLEnv: "ANTHROPIC_BASE_URL",
		},
		"cursor": {
			Name: "cursor",
			Command: []string{
				"cursor-agent", "-p", "--output-format=stream-json",
			},
			ModelFlag:  "--model",
			ResumeFlag: "--resume",
			APIKeyEnv:  "CURSOR_API_KEY",
		},
		"qwcoder": {
			Name: "qwcoder",
			Command: []string{
				"qwcoder", "--print", "--stream-json",
			},
			ModelFlag:       "--model",
			ResumeFlag:      "--resume",
			MaxTokensFlag:   "--max-tokens",
			TemperatureFlag: "--temperature",
			APIKeyEnv:       "QWCODER_API_KEY",
			BaseURLEnv:      "QWCODER_BASE_URL",
		},
	}
}

// Catalog maps tool names to specs.
type Catalog struct {
	specs map[string]*Spec
}

// catalogFile is the YAML shape of a tool catalog.
type catalogFile struct {
	Tools []*Spec `yaml:"tools"`
}

// NewCatalog returns the built-in catalog.
func NewCatalog() *Catalog {
	return &Catalog{specs: builtins()}
}

// LoadCatalog reads a YAML catalog from path and merges it over the
// built-ins; entries with a matching name replace them. A missing file
// yields the built-ins unchanged.
func LoadCatalog(path string) (*Catalog, error) {
	specs := builtins()
	if path == "" {
		return &Catalog{specs: specs}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{specs: specs}, nil
		}
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	for _, spec := range file.Tools {
		if spec.Name == "" || len(spec.Command) == 0 {
			return nil, fmt.Errorf("tool catalog entry missing name or command")
		}
		specs[spec.Name] = spec
	}
	return &Catalog{specs: specs}, nil
}

// Get returns the spec for a tool name.
func (c *Catalog) Get(name string) (*Spec, error) {
	spec, ok := c.specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return spec, nil
}

// Names lists the catalog's tool names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	return names
}
