package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathAllowsFileInsideWorkspace(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, ValidatePath(filepath.Join(dir, "file.txt"), dir))
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, ValidatePath(filepath.Join(dir, "..", "escaped.txt"), dir))
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(outside, link))

	assert.False(t, ValidatePath(filepath.Join(link, "secret.txt"), dir))
}

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) GetFileDirectURL(fileID string) (string, error) {
	return f.url, f.err
}

func TestDownloadToWorkspaceRejectsTraversalFilename(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(&fakeResolver{url: "http://example.invalid/file"})

	_, err := d.DownloadToWorkspace(nil, "file-id", "../escape.txt", dir)
	assert.Error(t, err)
}
