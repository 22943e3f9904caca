package provisioner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProvisionSyncsOnlyPrefixedFiles(t *testing.T) {
	template := t.TempDir()
	home := t.TempDir()

	writeFile(t, filepath.Join(template, "agents", "bot1.json"), `{"home": "{{AGENT_HOME}}"}`)
	writeFile(t, filepath.Join(template, "steering", "bot1-rules.md"), "rules")
	writeFile(t, filepath.Join(home, "agents", "other-agent.json"), `{"untouched": true}`)

	p := New("bot1", template, home)
	require.NoError(t, p.Provision())

	content, err := os.ReadFile(filepath.Join(home, "agents", "bot1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(content), home)

	_, err = os.Stat(filepath.Join(home, "steering", "bot1-rules.md"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(home, "agents", "other-agent.json"))
	assert.NoError(t, err, "files outside the agent's prefix must never be touched")
}

func TestProvisionDeletesStalePrefixedFilesBeforeResync(t *testing.T) {
	template := t.TempDir()
	home := t.TempDir()

	writeFile(t, filepath.Join(template, "agents", "bot1.json"), `{}`)
	writeFile(t, filepath.Join(home, "agents", "bot1-old.json"), `{"stale": true}`)

	p := New("bot1", template, home)
	require.NoError(t, p.Provision())

	_, err := os.Stat(filepath.Join(home, "agents", "bot1-old.json"))
	assert.True(t, os.IsNotExist(err), "stale prefixed entries must be removed before resync")
}

func TestProvisionFailsWithoutTemplateAgentJSON(t *testing.T) {
	template := t.TempDir()
	home := t.TempDir()

	p := New("bot1", template, home)
	assert.Error(t, p.Provision())
}

func TestProvisionFailsShortAgentName(t *testing.T) {
	template := t.TempDir()
	home := t.TempDir()
	p := New("ab", template, home)
	assert.Error(t, p.Provision())
}

func TestProvisionThreadOverrideWritesScopedConfig(t *testing.T) {
	topicDir := t.TempDir()
	p := New("bot1", t.TempDir(), t.TempDir())

	require.NoError(t, p.ProvisionThreadOverride(topicDir, map[string]interface{}{"model": "auto"}))

	content, err := os.ReadFile(filepath.Join(topicDir, ".agent", "agents", "bot1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "auto")
}
