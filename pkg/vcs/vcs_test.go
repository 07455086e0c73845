package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) *Git {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "--allow-empty", "-m", "initial")
	return New(dir)
}

func TestRevParseAndIsAncestor(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()

	result, err := g.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	require.True(t, result.OK())
	require.NotEmpty(t, result.Stdout)

	ancestor, err := g.IsAncestor(ctx, "HEAD", "HEAD")
	require.NoError(t, err)
	require.True(t, ancestor)
}

func TestWorktreeAddAndCommit(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()

	worktreeDir := filepath.Join(os.TempDir(), "conveyor-test-worktree")
	defer os.RemoveAll(worktreeDir)

	result, err := g.WorktreeAdd(ctx, worktreeDir, "task-1", "HEAD")
	require.NoError(t, err)
	require.True(t, result.OK(), result.Stderr)

	require.NoError(t, os.WriteFile(filepath.Join(worktreeDir, "file.txt"), []byte("hello"), 0644))

	wg := New(worktreeDir)
	_, err = wg.Add(ctx, ".")
	require.NoError(t, err)

	result, err = wg.Commit(ctx, "add file", "agent", "agent@conveyor.local")
	require.NoError(t, err)
	require.True(t, result.OK(), result.Stderr)

	diff, err := wg.DiffStat(ctx, "main")
	require.NoError(t, err)
	require.NotEmpty(t, diff.Stdout)
}

func TestResultCombined(t *testing.T) {
	r := Result{Stdout: "out", Stderr: "err"}
	require.Equal(t, "outerr", r.Combined())
}
