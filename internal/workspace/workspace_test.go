package workspace

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, 1024, arbor.NewLogger())
	require.NoError(t, err)
	return m
}

func TestCreateJobWorkspaceLayout(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateJobWorkspace("job-1")
	require.NoError(t, err)

	for _, sub := range []string{DirInputs, DirOutputs, DirLogs, DirBundle} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJobWorkspace("job-2")
	require.NoError(t, err)

	_, err = m.Resolve("job-2", "../../../etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestSaveInputSanitizesAndHashes(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJobWorkspace("job-3")
	require.NoError(t, err)

	rel, size, sha, err := m.SaveInput(context.Background(), "job-3", "../evil name!.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.NotEmpty(t, sha)
	assert.False(t, strings.Contains(rel, ".."))
	assert.True(t, strings.HasPrefix(rel, DirInputs))

	rehash, reSize, err := m.HashFile("job-3", rel)
	require.NoError(t, err)
	assert.Equal(t, sha, rehash)
	assert.Equal(t, size, reSize)
}

func TestSaveInputCollisionGetsNumericSuffix(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJobWorkspace("job-4")
	require.NoError(t, err)

	rel1, _, _, err := m.SaveInput(context.Background(), "job-4", "report.txt", strings.NewReader("a"))
	require.NoError(t, err)
	rel2, _, _, err := m.SaveInput(context.Background(), "job-4", "report.txt", strings.NewReader("b"))
	require.NoError(t, err)

	assert.NotEqual(t, rel1, rel2)
	assert.True(t, strings.HasSuffix(rel2, "report-2.txt"))
}

func TestSaveInputRejectsEmptyFile(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJobWorkspace("job-5")
	require.NoError(t, err)

	_, _, _, err = m.SaveInput(context.Background(), "job-5", "empty.txt", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestSaveInputRejectsTooLarge(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJobWorkspace("job-6")
	require.NoError(t, err)

	big := strings.NewReader(strings.Repeat("x", 2048))
	_, _, _, err = m.SaveInput(context.Background(), "job-6", "big.bin", big)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPackageBundleProducesManifestAndZip(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateJobWorkspace("job-7")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, DirOutputs, "report.md"), []byte("# Report"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, DirOutputs, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, DirOutputs, "nested", "data.json"), []byte("{}"), 0644))

	relPath, sha, manifest, err := m.PackageBundle(context.Background(), "job-7", "sess-7")
	require.NoError(t, err)
	assert.NotEmpty(t, sha)
	require.Len(t, manifest.Entries, 2)

	absPath := filepath.Join(root, relPath)
	zr, err := zip.OpenReader(absPath)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "manifest.json")
	assert.Contains(t, names, "outputs/report.md")
	assert.Contains(t, names, "outputs/nested/data.json")
}

func TestPackageBundleIncludesAgentLastMessageWhenPresent(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateJobWorkspace("job-12")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, DirOutputs, "report.md"), []byte("# Report"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, DirLogs, "agent-last-message.md"), []byte("done"), 0644))

	relPath, _, manifest, err := m.PackageBundle(context.Background(), "job-12", "sess-12")
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 2)

	absPath := filepath.Join(root, relPath)
	zr, err := zip.OpenReader(absPath)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "logs/agent-last-message.md")
}
