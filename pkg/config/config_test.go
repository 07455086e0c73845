package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
data_dir: /tmp/conveyor-data
max_parallel_agents: 8
repositories:
  - path: /repos/widget
    base_branch: main
    default_mode: standard
    auto_merge_enable: true
modes:
  standard:
    initial_status: implement
    policy:
      uses_worktrees: true
      integration_style: git_pr
    phases:
      implement:
        type: setup
        next: agent
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaultsAndParsesModes(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/conveyor-data", cfg.DataDir)
	assert.Equal(t, 8, cfg.MaxParallelAgents)
	assert.Equal(t, 30, cfg.TickIntervalS, "default tick interval should apply")
	require.Len(t, cfg.Repositories, 1)
	assert.Equal(t, "standard", cfg.Repositories[0].DefaultMode)

	mode, ok := cfg.Modes["standard"]
	require.True(t, ok)
	assert.Equal(t, "standard", mode.Name)
	phase, ok := mode.Phase("implement")
	require.True(t, ok)
	assert.Equal(t, "agent", phase.Next)
}

func TestLoadRejectsNoRepositories(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/x\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownDefaultMode(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - path: /repos/widget
    default_mode: nonexistent
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestModeSetMode(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	ms := ModeSet{Modes: cfg.Modes}
	mode, ok := ms.Mode("standard")
	require.True(t, ok)
	assert.Equal(t, "standard", mode.Name)

	_, ok = ms.Mode("missing")
	assert.False(t, ok)
}
