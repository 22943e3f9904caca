// Package workspace manages the per-(user,topic) directory an agent-CLI
// session runs in: downloading inbound attachments into it and guarding
// against any attempt to read or write outside it.
package workspace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// FileResolver resolves a messaging-API file reference to a direct
// download URL and a suggested filename. internal/telegram implements
// the URL half; the filename is derived by the caller from the attachment
// kind, mirroring the original handler's per-attachment-type naming.
type FileResolver interface {
	GetFileDirectURL(fileID string) (string, error)
}

// Downloader pulls inbound attachments into a session's workspace
// directory.
type Downloader struct {
	resolver FileResolver
	client   *http.Client
}

func NewDownloader(resolver FileResolver) *Downloader {
	return &Downloader{resolver: resolver, client: http.DefaultClient}
}

// DownloadToWorkspace downloads fileID into workspacePath/filename and
// returns the absolute local path. It refuses to write outside
// workspacePath even if filename contains path separators.
func (d *Downloader) DownloadToWorkspace(ctx context.Context, fileID, filename, workspacePath string) (string, error) {
	destination := filepath.Join(workspacePath, filename)
	if !ValidatePath(destination, workspacePath) {
		return "", fmt.Errorf("workspace: refusing to write outside workspace: %s", filename)
	}

	url, err := d.resolver.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("workspace: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("workspace: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workspace: download: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create workspace dir: %w", err)
	}
	out, err := os.Create(destination)
	if err != nil {
		return "", fmt.Errorf("workspace: create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("workspace: write destination: %w", err)
	}

	resolved, err := filepath.Abs(destination)
	if err != nil {
		return destination, nil
	}
	return resolved, nil
}

// ValidatePath reports whether filePath resolves to a location within
// workspacePath, guarding against path traversal (e.g. "../../etc/passwd")
// and symlink escapes.
func ValidatePath(filePath, workspacePath string) bool {
	resolvedFile, err := resolveSymlinks(filePath)
	if err != nil {
		return false
	}
	resolvedWorkspace, err := resolveSymlinks(workspacePath)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(resolvedWorkspace, resolvedFile)
	if err != nil {
		return false
	}
	if rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return false
	}
	return true
}

// resolveSymlinks resolves path to its canonical absolute form without
// requiring it to exist yet (a download destination usually doesn't).
func resolveSymlinks(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	// Path (or a trailing component) doesn't exist yet — resolve the
	// longest existing ancestor and rejoin the rest.
	dir, base := filepath.Split(abs)
	if dir == abs {
		return abs, nil
	}
	resolvedDir, err := resolveSymlinks(filepath.Clean(dir))
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}
