// Package provisioner keeps the agent-CLI's config home synced from a
// template directory, using prefix-based matching so only files owned by
// this gateway's agent are ever touched — everything else in the config
// home is left alone.
package provisioner

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	hjson "github.com/hjson/hjson-go/v4"
)

const maxPrefixFiles = 20

var defaultManagedSubdirs = []string{"agents", "steering", "skills"}

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// manifest optionally overrides which subdirectories are synced; read from
// manifest.hjson at the template root when present, so an operator can add
// a managed subdirectory without a code change.
type manifest struct {
	ManagedSubdirs []string `json:"managed_subdirs"`
}

// Provisioner syncs agentHome/{agents,steering,skills}/{agentName}* from
// templatePath on every startup.
type Provisioner struct {
	agentName    string
	templatePath string
	agentHome    string
}

func New(agentName, templatePath, agentHome string) *Provisioner {
	return &Provisioner{agentName: agentName, templatePath: templatePath, agentHome: agentHome}
}

// Provision performs the prefix-based sync. It is safe to call on every
// startup: only entries whose name starts with the configured agent name
// are ever deleted or written.
func (p *Provisioner) Provision() error {
	if err := p.safetyChecks(); err != nil {
		return err
	}

	subdirs := p.managedSubdirs()

	total, err := p.countPrefixFiles(subdirs)
	if err != nil {
		return fmt.Errorf("provisioner: count existing files: %w", err)
	}
	if total > maxPrefixFiles {
		return fmt.Errorf("provisioner: safety limit exceeded: %d files match prefix %q across managed directories (max %d)",
			total, p.agentName, maxPrefixFiles)
	}

	for _, subdir := range subdirs {
		srcDir := filepath.Join(p.templatePath, subdir)
		dstDir := filepath.Join(p.agentHome, subdir)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return fmt.Errorf("provisioner: create %s: %w", dstDir, err)
		}
		if err := p.syncPrefix(srcDir, dstDir); err != nil {
			return fmt.Errorf("provisioner: sync %s: %w", subdir, err)
		}
	}

	agentJSON := filepath.Join(p.agentHome, "agents", p.agentName+".json")
	if info, err := os.Stat(agentJSON); err != nil || info.IsDir() {
		return fmt.Errorf("provisioner: agent config not found after provisioning: %s", agentJSON)
	}

	return nil
}

// ProvisionThreadOverride writes a per-topic agent config override, used
// rarely for on-demand custom steering scoped to a single conversation.
func (p *Provisioner) ProvisionThreadOverride(topicWorkspacePath string, agentConfig map[string]interface{}) error {
	overrideDir := filepath.Join(topicWorkspacePath, ".agent", "agents")
	if err := os.MkdirAll(overrideDir, 0o755); err != nil {
		return fmt.Errorf("provisioner: create override dir: %w", err)
	}
	content, err := json.MarshalIndent(agentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("provisioner: marshal override: %w", err)
	}
	overrideFile := filepath.Join(overrideDir, p.agentName+".json")
	if err := os.WriteFile(overrideFile, content, 0o644); err != nil {
		return fmt.Errorf("provisioner: write override: %w", err)
	}
	return nil
}

func (p *Provisioner) safetyChecks() error {
	if len(p.agentName) < 3 {
		return fmt.Errorf("provisioner: agent name must be >= 3 characters, got %q", p.agentName)
	}
	if !agentNamePattern.MatchString(p.agentName) {
		return fmt.Errorf("provisioner: agent name must match ^[a-zA-Z0-9_-]+$, got %q", p.agentName)
	}
	agentTemplate := filepath.Join(p.templatePath, "agents", p.agentName+".json")
	info, err := os.Stat(agentTemplate)
	if err != nil || info.IsDir() {
		return fmt.Errorf("provisioner: template must contain agent JSON: %s", agentTemplate)
	}
	return nil
}

func (p *Provisioner) managedSubdirs() []string {
	manifestPath := filepath.Join(p.templatePath, "manifest.hjson")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return defaultManagedSubdirs
	}
	var decoded map[string]interface{}
	if err := hjson.Unmarshal(raw, &decoded); err != nil {
		return defaultManagedSubdirs
	}
	buf, err := json.Marshal(decoded)
	if err != nil {
		return defaultManagedSubdirs
	}
	var m manifest
	if err := json.Unmarshal(buf, &m); err != nil || len(m.ManagedSubdirs) == 0 {
		return defaultManagedSubdirs
	}
	return m.ManagedSubdirs
}

func (p *Provisioner) countPrefixFiles(subdirs []string) (int, error) {
	count := 0
	pattern := p.agentName + "*"
	for _, subdir := range subdirs {
		dstDir := filepath.Join(p.agentHome, subdir)
		entries, err := os.ReadDir(dstDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, entry := range entries {
			matched, err := doublestar.Match(pattern, entry.Name())
			if err != nil {
				return 0, err
			}
			if matched {
				count++
			}
		}
	}
	return count, nil
}

func (p *Provisioner) syncPrefix(srcDir, dstDir string) error {
	pattern := p.agentName + "*"

	if entries, err := os.ReadDir(dstDir); err == nil {
		for _, entry := range entries {
			matched, err := doublestar.Match(pattern, entry.Name())
			if err != nil {
				return err
			}
			if !matched {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dstDir, entry.Name())); err != nil {
				return err
			}
		}
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		matched, err := doublestar.Match(pattern, entry.Name())
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		if entry.IsDir() {
			if err := copyTree(src, dst); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(entry.Name(), ".json") {
			if err := copyJSONWithSubstitution(src, dst, p.agentHome); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyJSONWithSubstitution(src, dst, agentHome string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	substituted := strings.ReplaceAll(string(content), "{{AGENT_HOME}}", agentHome)
	return os.WriteFile(dst, []byte(substituted), 0o644)
}

func copyFile(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, content, info.Mode())
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
