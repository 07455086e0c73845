package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/conveyor/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	result   sandbox.Result
	err      error
	killed   []string
	runDelay time.Duration
}

func (f *fakeDriver) Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.Result, error) {
	if f.runDelay > 0 {
		select {
		case <-time.After(f.runDelay):
		case <-ctx.Done():
			return sandbox.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeDriver) Kill(ctx context.Context, name string) error {
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func TestFoldEventLogLastResultWins(t *testing.T) {
	stdout := `{"type":"system","session_id":"sess-1"}
{"type":"result","result":"first","session_id":"sess-1"}
garbage line that is not json

{"type":"result","result":"final answer","session_id":"sess-2"}
{"type":"unknown_event","foo":"bar"}
`
	out := foldEventLog(stdout)
	assert.Equal(t, "final answer", out.FinalText)
	assert.Equal(t, "sess-2", out.NewSessionID)
	assert.Len(t, out.EventLog, 4)
}

func TestInvokeHostDriverSuccess(t *testing.T) {
	driver := &fakeDriver{result: sandbox.Result{Stdout: `{"type":"result","result":"done","session_id":"s1"}` + "\n", ExitCode: 0}}
	r := NewRunner(nil, driver)

	dir := t.TempDir()
	out, err := r.Invoke(context.Background(), Invocation{
		TaskID:       1,
		WorkDir:      dir,
		SessionDir:   dir + "/session",
		Instruction:  "do the thing",
		Timeout:      time.Second,
		MemoryLimitBytes: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out.FinalText)
	assert.Equal(t, "s1", out.NewSessionID)
	assert.False(t, out.TimedOut)
}

func TestInvokeTimeoutKillsByName(t *testing.T) {
	driver := &fakeDriver{runDelay: 200 * time.Millisecond}
	r := NewRunner(nil, driver)

	dir := t.TempDir()
	out, err := r.Invoke(context.Background(), Invocation{
		TaskID:      2,
		WorkDir:     dir,
		SessionDir:  dir + "/session",
		Instruction: "slow agent",
		Timeout:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	require.Len(t, driver.killed, 1)
	assert.Equal(t, ContainerName(2, filepath.Base(dir)), driver.killed[0])
}

func TestAssemblePromptIncludesSessionAndTools(t *testing.T) {
	prompt := assemblePrompt(Invocation{
		SystemPrompt: "you are an agent",
		Instruction:  "fix the bug",
		SessionID:    "sess-9",
		AllowedTools: []string{"bash", "edit"},
	})
	assert.Contains(t, prompt, "you are an agent")
	assert.Contains(t, prompt, "fix the bug")
	assert.Contains(t, prompt, "sess-9")
	assert.Contains(t, prompt, "bash, edit")
}
