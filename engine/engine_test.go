package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflowerrors "github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/store"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Store) {
	t.Helper()
	s := store.New(t.TempDir(), store.Options{})
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = t.TempDir()
	}
	return New(s, hub.New(64), opts), s
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestEngineRejectsEmptyCommand(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})

	err := eng.Start(model.NewExecution("", "   ", ""), 0)
	assert.IsType(t, &stepflowerrors.ValidationError{}, err)
}

func TestEngineRejectsWorkingDirectoryOutsideWorkspace(t *testing.T) {
	eng, s := newTestEngine(t, Options{})

	// an unrelated directory outside the workspace must be refused
	exec := model.NewExecution("escape", "true", t.TempDir())
	require.NoError(t, s.SaveExecution(exec))
	err := eng.Start(exec, 0)
	assert.IsType(t, &stepflowerrors.ValidationError{}, err)

	relative := model.NewExecution("dotdot", "true", "../outside")
	require.NoError(t, s.SaveExecution(relative))
	err = eng.Start(relative, 0)
	assert.IsType(t, &stepflowerrors.ValidationError{}, err)
}

func TestEngineDefaultsWorkingDirectory(t *testing.T) {
	skipWithoutShell(t)
	root := t.TempDir()
	eng, s := newTestEngine(t, Options{WorkspaceRoot: root})

	exec := model.NewExecution("defaulted", "pwd", "")
	require.NoError(t, s.SaveExecution(exec))
	require.NoError(t, eng.Start(exec, 30*time.Second))
	eng.Wait(exec.ID)

	assert.Equal(t, filepath.Join(root, exec.ID), exec.WorkingDirectory)
	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, filepath.Join(root, exec.ID), got.WorkingDirectory)

	// the directory was created for the child
	info, err := os.Stat(exec.WorkingDirectory)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEngineCancelUnknownExecution(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})

	err := eng.Cancel("nope", "because")
	assert.IsType(t, &stepflowerrors.NotFoundError{}, err)
}

func TestEngineHappyPath(t *testing.T) {
	skipWithoutShell(t)
	eng, s := newTestEngine(t, Options{})

	exec := model.NewExecution("happy",
		"echo STEP_START:build; echo hello; echo STEP_COMPLETE:build", "")
	require.NoError(t, s.SaveExecution(exec))
	require.NoError(t, eng.Start(exec, 30*time.Second))
	eng.Wait(exec.ID)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Zero(t, *got.ExitCode)
	assert.Equal(t, 1, got.TotalSteps)
	assert.Equal(t, 1, got.CompletedSteps)

	steps, err := s.GetSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "build", steps[0].Name)
	assert.Equal(t, model.StepCompleted, steps[0].Status)

	lines := s.TailStepLogs(exec.ID, steps[0].Index, steps[0].ID, 10)
	joined := ""
	for _, l := range lines {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "hello")
}

func TestEngineCriticalStepErrorTerminatesChild(t *testing.T) {
	skipWithoutShell(t)
	eng, s := newTestEngine(t, Options{})

	exec := model.NewExecution("critical",
		"echo STEP_START:build; echo STEP_ERROR:broken; sleep 30", "")
	require.NoError(t, s.SaveExecution(exec))

	start := time.Now()
	require.NoError(t, eng.Start(exec, time.Minute))
	eng.Wait(exec.ID)
	assert.Less(t, time.Since(start), 20*time.Second, "child should be terminated, not waited out")

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Equal(t, "broken", got.ErrorMessage)
}

func TestEngineCancel(t *testing.T) {
	skipWithoutShell(t)
	eng, s := newTestEngine(t, Options{})

	exec := model.NewExecution("loop", "echo STEP_START:loop; sleep 60", "")
	require.NoError(t, s.SaveExecution(exec))
	require.NoError(t, eng.Start(exec, 0))

	// wait for the child to come up before cancelling
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, eng.Cancel(exec.ID, "cancelled by user"))
	// cancel twice; the second is a no-op or a not-found, never a failure mode
	_ = eng.Cancel(exec.ID, "cancelled by user")
	eng.Wait(exec.ID)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, got.Status)

	steps, err := s.GetSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepFailed, steps[0].Status)
	assert.Equal(t, "cancelled", steps[0].ErrorMessage)
}

func TestEngineConcurrencyCap(t *testing.T) {
	skipWithoutShell(t)
	eng, s := newTestEngine(t, Options{MaxConcurrent: 1})

	first := model.NewExecution("one", "sleep 30", "")
	require.NoError(t, s.SaveExecution(first))
	require.NoError(t, eng.Start(first, 0))

	second := model.NewExecution("two", "sleep 30", "")
	require.NoError(t, s.SaveExecution(second))
	err := eng.Start(second, 0)
	assert.IsType(t, &stepflowerrors.ValidationError{}, err)

	require.NoError(t, eng.Cancel(first.ID, "test over"))
	eng.Wait(first.ID)
}

func TestEngineDuplicateStartConflicts(t *testing.T) {
	skipWithoutShell(t)
	eng, s := newTestEngine(t, Options{})

	exec := model.NewExecution("dup", "sleep 30", "")
	require.NoError(t, s.SaveExecution(exec))
	require.NoError(t, eng.Start(exec, 0))

	err := eng.Start(exec, 0)
	assert.IsType(t, &stepflowerrors.ConflictError{}, err)

	require.NoError(t, eng.Cancel(exec.ID, "test over"))
	eng.Wait(exec.ID)
}

func TestEngineTimeout(t *testing.T) {
	skipWithoutShell(t)
	eng, s := newTestEngine(t, Options{})

	exec := model.NewExecution("slow", "sleep 60", "")
	require.NoError(t, s.SaveExecution(exec))
	require.NoError(t, eng.Start(exec, 500*time.Millisecond))
	eng.Wait(exec.ID)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Equal(t, "execution timed out", got.ErrorMessage)
}
