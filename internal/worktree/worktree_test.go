package worktree

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runGit is a test helper mirroring the exact invocations worktree.go
// makes, used to set up fixtures with real git state.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, out)
	return string(out)
}

// newTestRepo creates a bare "origin" repo and a working clone with one
// commit on main, returning the clone path (used as Manager.repoDir).
func newTestRepo(t *testing.T) (repoDir string) {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "origin.git")
	clone := filepath.Join(root, "main")

	runGit(t, root, "init", "-q", "--bare", bare)
	runGit(t, bare, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, root, "clone", "-q", bare, clone)
	runGit(t, clone, "config", "user.email", "test@example.com")
	runGit(t, clone, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(clone, "a.txt"), []byte("hi\n"), 0o644))
	runGit(t, clone, "add", ".")
	runGit(t, clone, "commit", "-q", "-m", "init")
	runGit(t, clone, "branch", "-M", "main")
	runGit(t, clone, "push", "-q", "origin", "main")
	return clone
}

func TestReconcile_CreatesWorktreeWhenMissing(t *testing.T) {
	repoDir := newTestRepo(t)
	worktreesDir := filepath.Join(filepath.Dir(repoDir), "worktrees")
	m := NewManager(repoDir, worktreesDir, testLogger())

	notice, err := m.Reconcile(context.Background(), "w1")
	require.NoError(t, err)
	require.Empty(t, notice)

	info, err := os.Stat(filepath.Join(m.Path("w1"), ".git"))
	require.NoError(t, err)
	require.NotNil(t, info)
}

// Boundary (§8): worktree already created -> reconcile is a no-op.
func TestReconcile_AlreadyCreatedIsNoop(t *testing.T) {
	repoDir := newTestRepo(t)
	worktreesDir := filepath.Join(filepath.Dir(repoDir), "worktrees")
	m := NewManager(repoDir, worktreesDir, testLogger())

	_, err := m.Reconcile(context.Background(), "w1")
	require.NoError(t, err)

	notice, err := m.Reconcile(context.Background(), "w1")
	require.NoError(t, err)
	require.Empty(t, notice, "second reconcile on an up-to-date worktree should be a no-op")
}

func TestPublish_MergeToMain(t *testing.T) {
	repoDir := newTestRepo(t)
	worktreesDir := filepath.Join(filepath.Dir(repoDir), "worktrees")
	m := NewManager(repoDir, worktreesDir, testLogger())

	_, err := m.Reconcile(context.Background(), "w1")
	require.NoError(t, err)

	wtPath := m.Path("w1")
	runGit(t, wtPath, "config", "user.email", "test@example.com")
	runGit(t, wtPath, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "b.txt"), []byte("change\n"), 0o644))
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-q", "-m", "agent change")

	result := m.Publish(context.Background(), "w1", "test-repo", PolicyMergeToMain)
	require.True(t, result.Success, result.Message)
	require.True(t, result.MainMoved)
	require.False(t, result.DeployNeeded, "b.txt is not a deploy-triggering path")

	// main in repoDir now has the merged commit.
	log := runGit(t, repoDir, "log", "--oneline", "main")
	require.Contains(t, log, "agent change")
}

func TestPublish_MergeToMainTriggersDeployOnDockerfileChange(t *testing.T) {
	repoDir := newTestRepo(t)
	worktreesDir := filepath.Join(filepath.Dir(repoDir), "worktrees")
	m := NewManager(repoDir, worktreesDir, testLogger())

	_, err := m.Reconcile(context.Background(), "w1")
	require.NoError(t, err)

	wtPath := m.Path("w1")
	runGit(t, wtPath, "config", "user.email", "test@example.com")
	runGit(t, wtPath, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-q", "-m", "update Dockerfile")

	result := m.Publish(context.Background(), "w1", "test-repo", PolicyMergeToMain)
	require.True(t, result.Success, result.Message)
	require.True(t, result.DeployNeeded)
}

func TestFirstLine(t *testing.T) {
	require.Equal(t, "hello", firstLine("hello\nworld"))
	require.Equal(t, "hello", firstLine("hello"))
}

func TestSyncMain_ReportsMovementOnlyWhenOriginAdvances(t *testing.T) {
	repoDir := newTestRepo(t)
	worktreesDir := filepath.Join(filepath.Dir(repoDir), "worktrees")
	m := NewManager(repoDir, worktreesDir, testLogger())

	moved, err := m.SyncMain(context.Background(), "test-repo")
	require.NoError(t, err)
	require.False(t, moved, "nothing pushed upstream yet")

	// A second clone pushes a new commit to origin/main.
	root := filepath.Dir(repoDir)
	other := filepath.Join(root, "other")
	runGit(t, root, "clone", "-q", filepath.Join(root, "origin.git"), other)
	runGit(t, other, "config", "user.email", "test@example.com")
	runGit(t, other, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(other, "c.txt"), []byte("upstream\n"), 0o644))
	runGit(t, other, "add", ".")
	runGit(t, other, "commit", "-q", "-m", "upstream change")
	runGit(t, other, "push", "-q", "origin", "main")

	moved, err = m.SyncMain(context.Background(), "test-repo")
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = m.SyncMain(context.Background(), "test-repo")
	require.NoError(t, err)
	require.False(t, moved, "no further upstream movement")
}
