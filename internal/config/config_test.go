package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("AGENT_NAME", "claude-code")
}

func TestLoadFailsWithoutBotToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("AGENT_NAME", "claude-code")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
}

func TestLoadFailsWithShortAgentName(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("AGENT_NAME", "ab")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_NAME")
}

func TestLoadFailsWithInvalidLogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "VERBOSE")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoadFailsWithNonPositiveMaxProcesses(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_PROCESSES", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_PROCESSES")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxProcesses)
	assert.Equal(t, 30, cfg.IdleTimeoutSeconds)
	assert.Empty(t, cfg.AllowedTelegramIDs)
}

func TestLoadParsesAllowedTelegramIDs(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_TELEGRAM_IDS", "111, 222 ,333")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsUserAllowed(111))
	assert.True(t, cfg.IsUserAllowed(222))
	assert.True(t, cfg.IsUserAllowed(333))
	assert.False(t, cfg.IsUserAllowed(444))
}

func TestLoadRejectsMalformedAllowedTelegramIDs(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_TELEGRAM_IDS", "111,not-a-number")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOWED_TELEGRAM_IDS")
}

func TestValidatePrerequisitesFailsWhenCLIMissing(t *testing.T) {
	cfg := Config{AgentConfigPath: t.TempDir(), AgentName: "claude-code", WorkspaceBasePath: t.TempDir()}
	err := cfg.ValidatePrerequisites("definitely-not-a-real-binary-on-path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found on PATH")
}
