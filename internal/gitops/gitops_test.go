package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestOpenRejectsNonRepo(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestCheckpointOnCleanTreeIsNoop(t *testing.T) {
	dir := initRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	hash, err := repo.Checkpoint(context.Background(), "before task")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestCheckpointCommitsDirtyState(t *testing.T) {
	dir := initRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wip.txt"), []byte("half done"), 0644))

	dirty, err := repo.HasUncommittedChanges(context.Background())
	require.NoError(t, err)
	require.True(t, dirty)

	hash, err := repo.Checkpoint(context.Background(), "before task #7")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	dirty, err = repo.HasUncommittedChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCommitTaskWork(t *testing.T) {
	dir := initRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	// No changes: no commit.
	hash, err := repo.CommitTaskWork(context.Background(), 7, "implement login")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "login.go"), []byte("package auth\n"), 0644))
	hash, err = repo.CommitTaskWork(context.Background(), 7, "implement login")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	out, err := repo.git(context.Background(), "log", "-1", "--pretty=%s")
	require.NoError(t, err)
	assert.Equal(t, "task #7: implement login", strings.TrimSpace(out))
}

func TestDiffFallsBackToLastCommit(t *testing.T) {
	dir := initRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package x\n"), 0644))
	_, err = repo.CommitTaskWork(context.Background(), 1, "add feature")
	require.NoError(t, err)

	// Clean tree: diff must cover the last commit.
	diff, err := repo.Diff(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diff, "feature.go")
}

func TestDiffPrefersUncommittedChanges(t *testing.T) {
	dir := initRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nchanged\n"), 0644))

	diff, err := repo.Diff(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diff, "changed")
}

func TestChangedFiles(t *testing.T) {
	dir := initRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b\n"), 0644))

	before, err := repo.headHash(context.Background())
	require.NoError(t, err)
	_, err = repo.CommitTaskWork(context.Background(), 2, "two files")
	require.NoError(t, err)

	files, err := repo.ChangedFiles(context.Background(), before)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, files)
}

func TestSanitizeMessageStripsControlChars(t *testing.T) {
	got := sanitizeMessage("task #1: evil\ntitle\x1b[31m")
	assert.NotContains(t, got, "\n")
	assert.NotContains(t, got, "\x1b")
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", DiffMaxChars+500)
	out := Truncate(long, DiffMaxChars)
	assert.LessOrEqual(t, len(out), DiffMaxChars+20)
	assert.Contains(t, out, "[truncated]")

	assert.Equal(t, "short", Truncate("short", DiffMaxChars))
}
