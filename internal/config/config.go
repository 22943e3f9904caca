// Package config loads and fail-fast validates the gateway's environment
// configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true,
}

// Config holds the gateway's immutable runtime configuration. Load fails
// fast on any missing or invalid required value — there is no partial or
// soft-degraded config the rest of the gateway must tolerate.
type Config struct {
	BotToken            string
	WorkspaceBasePath   string
	MaxProcesses        int
	IdleTimeoutSeconds  int
	AgentName           string
	LogLevel            string
	AgentConfigPath     string
	AllowedTelegramIDs  map[int64]struct{}
	OpsHTTPAddr         string
	OpsJWTSecret        string
}

// Load reads and validates configuration from the process environment.
// Returns an error describing the first invalid or missing field.
func Load() (Config, error) {
	var cfg Config

	cfg.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if cfg.BotToken == "" {
		return Config{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg.AgentName = strings.TrimSpace(os.Getenv("AGENT_NAME"))
	if cfg.AgentName == "" {
		return Config{}, fmt.Errorf("AGENT_NAME is required")
	}
	if len(cfg.AgentName) < 3 {
		return Config{}, fmt.Errorf("AGENT_NAME must be >= 3 characters, got: %q", cfg.AgentName)
	}
	if !agentNamePattern.MatchString(cfg.AgentName) {
		return Config{}, fmt.Errorf("AGENT_NAME must match ^[a-zA-Z0-9_-]+$, got: %q", cfg.AgentName)
	}

	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(envOr("LOG_LEVEL", "INFO")))
	if !validLogLevels[cfg.LogLevel] {
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of DEBUG/INFO/WARNING/ERROR, got: %q", cfg.LogLevel)
	}

	maxProcesses, err := strconv.Atoi(envOr("MAX_PROCESSES", "5"))
	if err != nil {
		return Config{}, fmt.Errorf("MAX_PROCESSES must be a positive integer: %w", err)
	}
	if maxProcesses < 1 {
		return Config{}, fmt.Errorf("MAX_PROCESSES must be >= 1")
	}
	cfg.MaxProcesses = maxProcesses

	idleTimeout, err := strconv.Atoi(envOr("IDLE_TIMEOUT_SECONDS", "30"))
	if err != nil {
		return Config{}, fmt.Errorf("IDLE_TIMEOUT_SECONDS must be a non-negative integer: %w", err)
	}
	if idleTimeout < 0 {
		return Config{}, fmt.Errorf("IDLE_TIMEOUT_SECONDS must be >= 0")
	}
	cfg.IdleTimeoutSeconds = idleTimeout

	allowed, err := parseAllowedIDs(os.Getenv("ALLOWED_TELEGRAM_IDS"))
	if err != nil {
		return Config{}, err
	}
	cfg.AllowedTelegramIDs = allowed

	cfg.WorkspaceBasePath = strings.TrimSpace(envOr("WORKSPACE_BASE_PATH", "./workspaces/"))
	cfg.AgentConfigPath = strings.TrimSpace(envOr("AGENT_CONFIG_PATH", "./agent-config/"))
	cfg.OpsHTTPAddr = strings.TrimSpace(os.Getenv("OPS_HTTP_ADDR"))
	cfg.OpsJWTSecret = strings.TrimSpace(os.Getenv("OPS_JWT_SECRET"))

	return cfg, nil
}

func parseAllowedIDs(raw string) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ids, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ALLOWED_TELEGRAM_IDS must be comma-separated integers, got: %q", raw)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// IsUserAllowed reports whether userID is in the configured allowlist.
// An empty allowlist allows no one; nothing at startup warns about that.
func (c Config) IsUserAllowed(userID int64) bool {
	_, ok := c.AllowedTelegramIDs[userID]
	return ok
}

// ValidatePrerequisites checks external startup requirements: the agent
// CLI binary is on PATH, the template config directory and this agent's
// template file exist, and the workspace base path is writable.
func (c Config) ValidatePrerequisites(cliBinary string) error {
	if _, err := exec.LookPath(cliBinary); err != nil {
		return fmt.Errorf("%s not found on PATH", cliBinary)
	}

	info, err := os.Stat(c.AgentConfigPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("agent config template directory not found at %s", c.AgentConfigPath)
	}

	agentTemplate := filepath.Join(c.AgentConfigPath, "agents", c.AgentName+".json")
	if fi, err := os.Stat(agentTemplate); err != nil || fi.IsDir() {
		return fmt.Errorf("agent config template not found: %s", agentTemplate)
	}

	if err := os.MkdirAll(c.WorkspaceBasePath, 0o755); err != nil {
		return fmt.Errorf("workspace directory not writable: %s — %w", c.WorkspaceBasePath, err)
	}

	return nil
}
