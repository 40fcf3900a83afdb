package stage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kepler-labs/kepler/pkg/codex"
	"github.com/kepler-labs/kepler/pkg/registry"
	"github.com/kepler-labs/kepler/pkg/search"
	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/kepler-labs/kepler/pkg/tree"
	"github.com/kepler-labs/kepler/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRunCodex(envelope worker.ResultEnvelope) func(context.Context, codex.Options) (codex.Result, error) {
	return func(ctx context.Context, opts codex.Options) (codex.Result, error) {
		raw, _ := json.Marshal(envelope)
		if err := os.WriteFile(filepath.Join(opts.WorkspaceDir, "node_result.json"), raw, 0o644); err != nil {
			return codex.Result{}, err
		}
		return codex.Result{ExecTime: time.Millisecond}, nil
	}
}

func stageBuildInput(meta Meta, parent *tree.Node, seedEval bool, seedValue int) worker.Input {
	dir, _ := os.MkdirTemp("", "stage-test")
	return worker.Input{
		Parent:          parent,
		StageGoals:      meta.Goals,
		MetricSpecJSON:  `{"name":"accuracy"}`,
		StageIdentifier: meta.Identifier,
		WorkspaceRoot:   dir,
		SeedEval:        seedEval,
		SeedValue:       seedValue,
	}
}

func TestManager_CompletesStageOnFirstGoodNodeAndPersistsCheckpoint(t *testing.T) {
	reg := registry.New()
	envelope := worker.ResultEnvelope{
		Plan:                       "try a linear model",
		Code:                       "print(1)",
		DatasetsSuccessfullyTested: []string{"train"},
	}
	agent := search.New(1, 0, worker.Deps{RunCodex: fakeRunCodex(envelope)}, reg)

	logDir, err := os.MkdirTemp("", "checkpoints")
	require.NoError(t, err)

	var events []telemetry.PersistableEvent
	mgr := NewManager(ManagerConfig{
		Stages: []Meta{
			{Identifier: "stage1_baseline", Goals: "find a working baseline", MaxIterations: 5, NumDrafts: 1},
		},
		Controllers: map[string]Controller{
			"stage1_baseline": NewStage1Controller(&fakeLLM{}),
		},
		Agent:      agent,
		Skip:       NewSkipCoordinator(),
		Search:     search.StageConfig{NumDrafts: 1, ExecTimeout: 5 * time.Second},
		RunID:      "run-1",
		TaskDesc:   "classify digits",
		BaseLogDir: logDir,
		Event:      func(e telemetry.PersistableEvent) { events = append(events, e) },
		BuildInput: stageBuildInput,
	})

	err = mgr.Run(context.Background(), nil, nil)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(logDir, "run-1", "stage_baseline", "checkpoint.yaml"))
	assert.NoError(t, statErr, "a completed stage must persist a checkpoint")

	var sawCompleted bool
	for _, e := range events {
		if e.Kind == telemetry.KindStageCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestManager_OperatorSkipAbortsStageEarly(t *testing.T) {
	reg := registry.New()
	block := make(chan struct{})
	agent := search.New(1, 0, worker.Deps{
		RunCodex: func(ctx context.Context, opts codex.Options) (codex.Result, error) {
			<-block
			return codex.Result{}, nil
		},
	}, reg)
	defer close(block)

	skip := NewSkipCoordinator()
	logDir, err := os.MkdirTemp("", "checkpoints")
	require.NoError(t, err)

	mgr := NewManager(ManagerConfig{
		Stages: []Meta{
			{Identifier: "stage1_baseline", Goals: "find a working baseline", MaxIterations: 100, NumDrafts: 1},
		},
		Controllers: map[string]Controller{
			"stage1_baseline": &alwaysSkippableStage1{Stage1Controller: *NewStage1Controller(&fakeLLM{})},
		},
		Agent:      agent,
		Skip:       skip,
		Search:     search.StageConfig{NumDrafts: 1, ExecTimeout: time.Second},
		RunID:      "run-2",
		TaskDesc:   "classify digits",
		BaseLogDir: logDir,
		BuildInput: stageBuildInput,
	})

	go func() {
		require.Eventually(t, func() bool {
			return skip.GetStageState().StageName == "stage1_baseline" && skip.GetStageState().CanBeSkipped
		}, time.Second, time.Millisecond)
		ok, _ := skip.RequestStageSkip("operator is satisfied")
		require.True(t, ok)
	}()

	err = mgr.Run(context.Background(), nil, nil)
	require.NoError(t, err)
}

// alwaysSkippableStage1 forces SkipState true regardless of journal
// contents, so the skip path can be exercised without waiting on a
// worker attempt to actually complete.
type alwaysSkippableStage1 struct {
	Stage1Controller
}

func (c *alwaysSkippableStage1) SkipState(sc Context) (bool, string) {
	return true, ""
}
