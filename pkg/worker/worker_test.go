package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kepler-labs/kepler/pkg/codex"
	"github.com/kepler-labs/kepler/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInput(t *testing.T) Input {
	t.Helper()
	return Input{
		StageGoals:      "find a working baseline",
		MetricSpecJSON:  `{"name":"accuracy"}`,
		StageIdentifier: "stage1_baseline",
		ExecutionID:     "exec-1",
		WorkspaceRoot:   t.TempDir(),
	}
}

// fakeRunCodex writes node_result.json into opts.WorkspaceDir before
// returning, simulating a successful Codex invocation.
func fakeRunCodex(envelope ResultEnvelope) func(context.Context, codex.Options) (codex.Result, error) {
	return func(ctx context.Context, opts codex.Options) (codex.Result, error) {
		raw, _ := json.Marshal(envelope)
		if err := os.WriteFile(filepath.Join(opts.WorkspaceDir, "node_result.json"), raw, 0o644); err != nil {
			return codex.Result{}, err
		}
		return codex.Result{ExecTime: time.Millisecond}, nil
	}
}

func TestRun_HappyPath_MaterialisesNode(t *testing.T) {
	in := baseInput(t)
	envelope := ResultEnvelope{
		Plan:                       "try a linear model",
		Code:                       "print('hi')",
		IsBuggy:                    false,
		DatasetsSuccessfullyTested: []string{"train"},
	}

	node, err := Run(context.Background(), in, Deps{RunCodex: fakeRunCodex(envelope)})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.False(t, node.IsBuggy)
	assert.Equal(t, "try a linear model", node.Plan)
	assert.NotEmpty(t, node.ID)
}

func TestRun_MissingNodeResultProducesBuggyNode(t *testing.T) {
	in := baseInput(t)
	node, err := Run(context.Background(), in, Deps{
		RunCodex: func(ctx context.Context, opts codex.Options) (codex.Result, error) {
			return codex.Result{}, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.True(t, node.IsBuggy)
	assert.Contains(t, node.Analysis, "node_result.json")
}

func TestRun_ContractViolationProducesBuggyNode(t *testing.T) {
	in := baseInput(t)
	envelope := ResultEnvelope{
		Plan: "try something",
		// Code intentionally omitted: violates "required".
		DatasetsSuccessfullyTested: []string{"train"},
	}

	node, err := Run(context.Background(), in, Deps{RunCodex: fakeRunCodex(envelope)})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.True(t, node.IsBuggy)
	assert.Equal(t, "CodexContractError", node.ExcType)
}

func TestRun_SkipPendingBeforeStartReturnsTerminated(t *testing.T) {
	in := baseInput(t)
	reg := registry.New()
	reg.RegisterExecution(in.ExecutionID, &registry.NodeRef{ID: "n"})
	reg.FlagSkipPending(in.ExecutionID, "operator skip")

	node, err := Run(context.Background(), in, Deps{
		Registry: reg,
		RunCodex: func(ctx context.Context, opts codex.Options) (codex.Result, error) {
			t.Fatal("codex should not be invoked when skip is already pending")
			return codex.Result{}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, node.IsBuggy)
	assert.Equal(t, "ExecutionTerminatedError", node.ExcType)
}

func TestRun_Stage2RequiresMatchingHyperparamName(t *testing.T) {
	in := baseInput(t)
	in.StageIdentifier = "stage2_tuning"
	in.HyperparamIdea = &Idea{Name: "learning_rate"}

	envelope := ResultEnvelope{
		Plan:                       "tune lr",
		Code:                       "print(1)",
		DatasetsSuccessfullyTested: []string{"train"},
		HyperparamName:             "batch_size",
	}

	node, err := Run(context.Background(), in, Deps{RunCodex: fakeRunCodex(envelope)})
	require.NoError(t, err)
	assert.True(t, node.IsBuggy)
	assert.Equal(t, "CodexContractError", node.ExcType)
}
