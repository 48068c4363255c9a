// Package agentd implements the remote agent daemon. It maintains a
// persistent websocket to the hub, registers itself, heartbeats, and runs
// CLI workers on the hub's behalf.
package agentd

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the daemon configuration. The agent runs on developer machines
// and CI hosts, so it is configured through AGENTD_* environment variables
// rather than a config file.
type Config struct {
	// HubURL is the agent channel endpoint, e.g. ws://hub:8080/ws/agent.
	HubURL string

	// AgentID and Secret authenticate the daemon against its hub-side
	// registration.
	AgentID string
	Secret  string

	// Name is the human-readable agent name sent at registration.
	Name string

	// MaxWorkers caps concurrent CLI children on this host.
	MaxWorkers int

	// WorkspacesRoot is where repository workspaces are materialized.
	WorkspacesRoot string

	// ToolCatalog optionally points at a YAML tool catalog overriding the
	// built-in CLI specs.
	ToolCatalog string

	// HeartbeatInterval is how often liveness frames are sent.
	HeartbeatInterval time.Duration

	// LogLevel and LogFormat configure the zap logger.
	LogLevel  string
	LogFormat string
}

// LoadConfig reads the daemon configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HubURL:            getEnv("AGENTD_HUB_URL", "ws://localhost:8080/ws/agent"),
		AgentID:           os.Getenv("AGENTD_AGENT_ID"),
		Secret:            os.Getenv("AGENTD_SECRET"),
		Name:              getEnv("AGENTD_NAME", hostnameOr("agent")),
		MaxWorkers:        getEnvInt("AGENTD_MAX_WORKERS", 2),
		WorkspacesRoot:    getEnv("AGENTD_WORKSPACES_ROOT", "workspaces"),
		ToolCatalog:       os.Getenv("AGENTD_TOOL_CATALOG"),
		HeartbeatInterval: time.Duration(getEnvInt("AGENTD_HEARTBEAT_INTERVAL", 15)) * time.Second,
		LogLevel:          getEnv("AGENTD_LOG_LEVEL", "info"),
		LogFormat:         getEnv("AGENTD_LOG_FORMAT", "text"),
	}

	if cfg.AgentID == "" {
		return nil, fmt.Errorf("AGENTD_AGENT_ID is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("AGENTD_SECRET is required")
	}
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("AGENTD_MAX_WORKERS must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}
