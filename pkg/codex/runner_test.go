package codex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTaskFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "task.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun_NormalExitReturnsNoError(t *testing.T) {
	dir := t.TempDir()
	task := writeTaskFile(t, dir, "hello")

	opts := Options{
		WorkspaceDir:   dir,
		SessionLogPath: filepath.Join(dir, "session.log"),
		EventsLogPath:  filepath.Join(dir, "events.jsonl"),
		ArgvPrefix:     []string{"/bin/sh", "-c", `echo '{"type":"turn.completed"}'; exit 0`},
		TaskFilePath:   task,
	}

	result, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, result.ExcType)
	assert.NotEmpty(t, result.TermOut)
}

func TestRun_NonZeroExitYieldsCodexError(t *testing.T) {
	dir := t.TempDir()
	task := writeTaskFile(t, dir, "hello")

	opts := Options{
		WorkspaceDir:   dir,
		SessionLogPath: filepath.Join(dir, "session.log"),
		EventsLogPath:  filepath.Join(dir, "events.jsonl"),
		ArgvPrefix:     []string{"/bin/sh", "-c", "exit 7"},
		TaskFilePath:   task,
	}

	result, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "CodexError", result.ExcType)
	assert.Equal(t, 7, result.ExcInfo["returncode"])
}

func TestRun_TimeoutKillsGroup(t *testing.T) {
	dir := t.TempDir()
	task := writeTaskFile(t, dir, "hello")

	opts := Options{
		WorkspaceDir:   dir,
		SessionLogPath: filepath.Join(dir, "session.log"),
		EventsLogPath:  filepath.Join(dir, "events.jsonl"),
		ArgvPrefix:     []string{"/bin/sh", "-c", "sleep 5"},
		TaskFilePath:   task,
		Timeout:        50 * time.Millisecond,
		GraceSeconds:   10 * time.Millisecond,
	}

	result, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "TimeoutError", result.ExcType)
}

func TestRun_TerminationCheckStopsRun(t *testing.T) {
	dir := t.TempDir()
	task := writeTaskFile(t, dir, "hello")

	terminate := false
	opts := Options{
		WorkspaceDir:   dir,
		SessionLogPath: filepath.Join(dir, "session.log"),
		EventsLogPath:  filepath.Join(dir, "events.jsonl"),
		ArgvPrefix:     []string{"/bin/sh", "-c", "sleep 5"},
		TaskFilePath:   task,
		GraceSeconds:   10 * time.Millisecond,
		TerminationCheck: func() bool { return terminate },
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		terminate = true
	}()

	result, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "Terminated", result.ExcType)
}

func TestRun_OnPIDCallbackFires(t *testing.T) {
	dir := t.TempDir()
	task := writeTaskFile(t, dir, "hello")

	var gotPID int
	opts := Options{
		WorkspaceDir:   dir,
		SessionLogPath: filepath.Join(dir, "session.log"),
		EventsLogPath:  filepath.Join(dir, "events.jsonl"),
		ArgvPrefix:     []string{"/bin/sh", "-c", "exit 0"},
		TaskFilePath:   task,
		OnPID:          func(pid int) { gotPID = pid },
	}

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Positive(t, gotPID)
}
