package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kepler-labs/kepler/pkg/codex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunCodexWithMetrics distinguishes the main task invocation from the
// metrics sub-pass invocation by the task file name Run/runMetricsPass each
// write to, and optionally drops experiment_data.npy into working/ so the
// metrics-pass gate can be exercised either way.
func fakeRunCodexWithMetrics(envelope ResultEnvelope, writeExperimentData bool) func(context.Context, codex.Options) (codex.Result, error) {
	return func(ctx context.Context, opts codex.Options) (codex.Result, error) {
		switch filepath.Base(opts.TaskFilePath) {
		case "codex_task.md":
			if writeExperimentData {
				_ = os.WriteFile(filepath.Join(opts.WorkspaceDir, "experiment_data.npy"), []byte("fake"), 0o644)
			}
			raw, _ := json.Marshal(envelope)
			if err := os.WriteFile(filepath.Join(opts.WorkspaceDir, "node_result.json"), raw, 0o644); err != nil {
				return codex.Result{}, err
			}
		case "codex_metrics_task.md":
			if err := os.WriteFile(filepath.Join(opts.WorkspaceDir, "parse_metrics.py"), []byte("print('ok')"), 0o644); err != nil {
				return codex.Result{}, err
			}
		}
		return codex.Result{ExecTime: time.Millisecond}, nil
	}
}

func TestRunMetricsPass_SkippedWhenExperimentDataMissing(t *testing.T) {
	in := baseInput(t)
	envelope := ResultEnvelope{
		Plan:                       "try a linear model",
		Code:                       "print('hi')",
		DatasetsSuccessfullyTested: []string{"train"},
	}
	deps := Deps{
		RunCodex: fakeRunCodexWithMetrics(envelope, false),
		RunScript: func(ctx context.Context, venvPath, scriptPath string, timeout time.Duration) (string, string, error) {
			t.Fatal("parse_metrics.py should not run when experiment_data.npy is absent")
			return "", "", nil
		},
	}

	node, err := Run(context.Background(), in, deps)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.False(t, node.IsBuggy)
}

func TestRunMetricsPass_RunsWhenExperimentDataPresent(t *testing.T) {
	in := baseInput(t)
	envelope := ResultEnvelope{
		Plan:                       "try a linear model",
		Code:                       "print('hi')",
		DatasetsSuccessfullyTested: []string{"train"},
	}
	var ranScript bool
	deps := Deps{
		RunCodex: fakeRunCodexWithMetrics(envelope, true),
		RunScript: func(ctx context.Context, venvPath, scriptPath string, timeout time.Duration) (string, string, error) {
			ranScript = true
			return "metric: 0.9", "", nil
		},
	}

	node, err := Run(context.Background(), in, deps)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.True(t, ranScript)
}
