package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/kepler-labs/kepler/pkg/codex"
	"github.com/kepler-labs/kepler/pkg/llm"
	"github.com/kepler-labs/kepler/pkg/registry"
	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/kepler-labs/kepler/pkg/tree"
)

// Idea is a Stage 2 hyperparameter idea or a Stage 4 ablation idea assigned
// to this attempt.
type Idea struct {
	Name        string
	Description string
	TriedNames  []string
}

// SeedAggregationInput marks this attempt as an across-seed aggregation
// pass over already-evaluated seed nodes.
type SeedAggregationInput struct {
	SeedNodeIDs []string
}

// Input bundles everything one worker attempt needs.
type Input struct {
	Parent          *tree.Node
	TaskDescription string
	StageGoals      string
	MetricSpecJSON  string
	MemorySummary   string
	StageIdentifier string
	RunName         string

	SeedEval bool
	SeedValue int
	SeedAggregation *SeedAggregationInput

	HyperparamIdea *Idea
	AblationIdea   *Idea

	GPUID         int
	HasGPU        bool
	ExecutionID   string
	UserFeedback  string

	WorkspaceRoot string
	VenvPath      string

	EventCallback func(telemetry.PersistableEvent)
}

// Deps are the collaborators a worker needs, injected so the package has
// no hard dependency on a single concrete transport for Codex or the LLM.
type Deps struct {
	Registry     *registry.Registry
	FeedbackLLM  llm.Client
	VLMClient    llm.Client
	RunCodex     func(ctx context.Context, opts codex.Options) (codex.Result, error)
	RunScript    func(ctx context.Context, venvPath, scriptPath string, timeout time.Duration) (stdout, stderr string, err error)
	ExecTimeout  time.Duration
	GraceSeconds time.Duration
}

var taskTemplate = template.Must(template.New("codex_task").Parse(taskTemplateText))

const taskTemplateText = `# Task

Stage: {{.StageIdentifier}}
Goals: {{.StageGoals}}

{{if .MemorySummary}}## Memory
{{.MemorySummary}}
{{end}}
{{if .ParentCode}}## Parent code
` + "```python\n{{.ParentCode}}\n```" + `
{{end}}
{{if .ParentAnalysis}}## Parent analysis
{{.ParentAnalysis}}
{{end}}
{{if .ExecTimeFeedback}}## Execution time feedback
{{.ExecTimeFeedback}}
{{end}}
{{if .HyperparamIdea}}## Assigned hyperparameter idea
Name: {{.HyperparamIdea.Name}}
{{.HyperparamIdea.Description}}
Already tried: {{.HyperparamIdea.TriedNames}}
{{end}}
{{if .AblationIdea}}## Assigned ablation idea
Name: {{.AblationIdea.Name}}
{{.AblationIdea.Description}}
Already tried: {{.AblationIdea.TriedNames}}
{{end}}
{{if .UserFeedback}}## User feedback
{{.UserFeedback}}
{{end}}
{{if .SeedEval}}## Seed modification task (multi-seed reproducibility run)
Re-run the parent code with the random seed changed to {{.SeedValue}}. Prepend
this seeding snippet (or the equivalent for the libraries the code uses) to
the top of the script before anything else runs:
` + "```python\n" + seedPrologueText + "```" + `
Your plan must mention the word "seed" and the literal number {{.SeedValue}}.
Set is_seed_node=true in node_result.json.
{{end}}

## Evaluation metric
{{.MetricSpecJSON}}

## node_result.json contract
Write working/node_result.json with keys: plan, code, plot_code, analysis,
is_buggy, is_buggy_plots, is_seed_node, is_seed_agg_node,
datasets_successfully_tested, hyperparam_name, ablation_name.
{{if .SeedAggregation}}
## Seed aggregation task (multi-seed roll-up)
- Aggregate results across the seed runs: {{.SeedAggregation.SeedNodeIDs}}
- Load each seed run's experiment_data.npy where available and compute
  mean and spread (std/sem) across seeds.
- Write at least one aggregate .png plot into working/.
- Set is_seed_node=true and is_seed_agg_node=true in node_result.json.
- analysis must summarise variability across seeds (mention mean and spread).
{{end}}
`

// seedPrologueText seeds Python's random, NumPy, and (if present) PyTorch
// RNGs so a seed-eval re-run is reproducible and so the rendered plan can
// truthfully cite the seed number ValidateSeedPlan checks for.
const seedPrologueText = `import random
import numpy as np

random.seed({{.SeedValue}})
np.random.seed({{.SeedValue}})
try:
    import torch

    torch.manual_seed({{.SeedValue}})
    torch.cuda.manual_seed_all({{.SeedValue}})
except ImportError:
    pass
`

type templateData struct {
	Input
	ParentCode       string
	ParentAnalysis   string
	ExecTimeFeedback string
}

// Run executes one full worker attempt end to end.
func Run(ctx context.Context, in Input, deps Deps) (result *tree.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = buggyNode(in, fmt.Sprintf("worker panic: %v", r), "ExecutionCrashedError")
			err = nil
		}
	}()

	execDir, workingDir, err := prepareWorkspace(in)
	if err != nil {
		return nil, fmt.Errorf("worker: prepare workspace: %w", err)
	}

	if deps.Registry != nil && deps.Registry.IsSkipPending(in.ExecutionID) {
		return buggyNode(in, "execution terminated before start (skip requested)", "ExecutionTerminatedError"), nil
	}

	taskPath := filepath.Join(execDir, "codex_task.md")
	if err := renderTask(taskPath, in); err != nil {
		return nil, fmt.Errorf("worker: render task: %w", err)
	}

	emit(in, telemetry.PersistableEvent{Kind: telemetry.KindRunningCode, Data: telemetry.RunningCode{
		ExecutionID: in.ExecutionID, Stage: in.StageIdentifier, RunType: "codex_execution", Code: "(Codex-managed)",
	}})

	env := map[string]string{}
	if in.HasGPU {
		env["CUDA_VISIBLE_DEVICES"] = fmt.Sprintf("%d", in.GPUID)
	} else {
		env["CUDA_VISIBLE_DEVICES"] = ""
	}

	codexResult, err := deps.RunCodex(ctx, codex.Options{
		WorkspaceDir:   workingDir,
		SessionLogPath: filepath.Join(execDir, "codex_session.log"),
		EventsLogPath:  filepath.Join(execDir, "codex_events.jsonl"),
		Timeout:        deps.ExecTimeout,
		GraceSeconds:   deps.GraceSeconds,
		ArgvPrefix:     []string{"codex", "exec", "--yolo", "--skip-git-repo-check", "--json"},
		Env:            env,
		TaskFilePath:   taskPath,
		OnPID: func(pid int) {
			if deps.Registry != nil {
				deps.Registry.UpdatePID(in.ExecutionID, pid)
			}
		},
		TerminationCheck: func() bool {
			return deps.Registry != nil && deps.Registry.IsTerminated(in.ExecutionID)
		},
		StreamCallback: func(msg codex.StreamMessage) {
			emit(in, telemetry.PersistableEvent{Kind: telemetry.KindRunLog, Data: telemetry.RunLog{
				Stage: in.StageIdentifier, Message: msg.Text, Level: msg.Kind,
			}})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("worker: codex invocation: %w", err)
	}

	status := "completed"
	if codexResult.ExcType != "" {
		status = codexResult.ExcType
	}
	emit(in, telemetry.PersistableEvent{Kind: telemetry.KindRunCompleted, Data: telemetry.RunCompleted{
		ExecutionID: in.ExecutionID, Stage: in.StageIdentifier, Status: status,
	}})

	if deps.Registry != nil {
		if codexResult.ExcType == "" {
			deps.Registry.MarkCompleted(in.ExecutionID)
		} else {
			deps.Registry.ClearPID(in.ExecutionID)
		}
	}

	resultPath := filepath.Join(workingDir, "node_result.json")
	raw, readErr := os.ReadFile(resultPath)
	if readErr != nil {
		excType := codexResult.ExcType
		if excType == "" {
			excType = "CodexError"
		}
		node := buggyNode(in, "Codex did not produce a valid node_result.json", excType)
		absorbExecResult(node, codexResult)
		moveArtifacts(execDir, workingDir, in, node)
		return node, nil
	}

	resultEnv, jsonErr := DecodeResultEnvelope(raw)
	if jsonErr != nil {
		node := buggyNode(in, fmt.Sprintf("node_result.json violates the contract: %v", jsonErr), "CodexContractError")
		absorbExecResult(node, codexResult)
		moveArtifacts(execDir, workingDir, in, node)
		return node, nil
	}

	if violation := validateContract(in, resultEnv, workingDir); violation != nil {
		node := buggyNode(in, "node_result.json contract violated: "+violation.Error(), "CodexContractError")
		node.Plan = resultEnv.Plan
		node.Code = resultEnv.Code
		absorbExecResult(node, codexResult)
		moveArtifacts(execDir, workingDir, in, node)
		return node, nil
	}

	node := materialiseNode(in, resultEnv)
	absorbExecResult(node, codexResult)

	if node.Analysis == "" && deps.FeedbackLLM != nil {
		applyFeedbackFallback(ctx, deps.FeedbackLLM, node)
	}

	runMetricsPass(ctx, execDir, workingDir, in, node, deps)
	runVLMPass(ctx, workingDir, in, node, deps)

	moveArtifacts(execDir, workingDir, in, node)

	return node, nil
}

func emit(in Input, e telemetry.PersistableEvent) {
	if in.EventCallback != nil {
		in.EventCallback(e)
	}
}

func prepareWorkspace(in Input) (execDir, workingDir string, err error) {
	ts := time.Now().UTC().Format("20060102T150405")
	execDir = filepath.Join(in.WorkspaceRoot, "executions", fmt.Sprintf("%s_%s_%s", in.StageIdentifier, ts, shortID(in.ExecutionID)))
	workingDir = filepath.Join(execDir, "working")
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return "", "", err
	}
	return execDir, workingDir, nil
}

func shortID(executionID string) string {
	if len(executionID) > 8 {
		return executionID[:8]
	}
	return executionID
}

func renderTask(path string, in Input) error {
	data := templateData{Input: in}
	if in.Parent != nil {
		data.ParentCode = in.Parent.Code
		data.ParentAnalysis = in.Parent.Analysis
	}

	var buf bytes.Buffer
	if err := taskTemplate.Execute(&buf, data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func validateContract(in Input, env ResultEnvelope, workingDir string) error {
	if err := ValidateCommon(env); err != nil {
		return err
	}
	if err := ValidateSeedPlan(env, in.SeedEval, in.SeedValue); err != nil {
		return err
	}

	assignedName := ""
	if in.HyperparamIdea != nil {
		assignedName = in.HyperparamIdea.Name
	}
	if in.AblationIdea != nil {
		assignedName = in.AblationIdea.Name
	}

	contract := StageContract{
		StageIdentifier:  in.StageIdentifier,
		AssignedIdeaName: assignedName,
		HasPNGInWorking:  hasPNG(workingDir),
		SeedAggregation:  in.SeedAggregation != nil,
	}
	return contract.Validate(env)
}

func hasPNG(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".png" {
			return true
		}
	}
	return false
}

func materialiseNode(in Input, env ResultEnvelope) *tree.Node {
	n := &tree.Node{
		ID:                         uuid.NewString(),
		Ctime:                      time.Now(),
		Plan:                       env.Plan,
		Code:                       env.Code,
		PlotCode:                   env.PlotCode,
		Stage:                      in.StageIdentifier,
		Analysis:                   env.Analysis,
		IsBuggy:                    env.IsBuggy,
		IsBuggyPlots:               env.IsBuggyPlots,
		IsSeedNode:                 env.IsSeedNode,
		IsSeedAggNode:              env.IsSeedAggNode,
		DatasetsSuccessfullyTested: env.DatasetsSuccessfullyTested,
		HyperparamName:             env.HyperparamName,
		AblationName:               env.AblationName,
		IsUserFeedback:             in.UserFeedback != "",
		UserFeedbackPayload:        in.UserFeedback,
	}
	if in.Parent != nil {
		n.SetParent(in.Parent)
	}
	if n.Metric == nil {
		n.Metric = worstMetric()
	}
	return n
}

func worstMetric() *tree.Metric {
	return &tree.Metric{Value: map[string]any{}, Name: "worst"}
}

func buggyNode(in Input, analysis, excType string) *tree.Node {
	n := &tree.Node{
		ID:       uuid.NewString(),
		Ctime:    time.Now(),
		Stage:    in.StageIdentifier,
		Analysis: analysis,
		IsBuggy:  true,
		ExcType:  excType,
		Metric:   worstMetric(),
	}
	if in.Parent != nil {
		n.SetParent(in.Parent)
	}
	return n
}

func absorbExecResult(n *tree.Node, r codex.Result) {
	n.TermOut = r.TermOut
	n.ExecTime = r.ExecTime
	if r.ExcType != "" {
		n.ExcType = r.ExcType
		n.IsBuggy = true
	}
	n.ExcInfo = r.ExcInfo
}

type trainingReview struct {
	IsBug   bool   `json:"is_bug"`
	Summary string `json:"summary"`
}

func applyFeedbackFallback(ctx context.Context, client llm.Client, n *tree.Node) {
	var review trainingReview
	err := client.StructuredQuery(ctx,
		"Review this experiment's output and summarise whether it is a bug.",
		n.Code+"\n\n"+joinTermOut(n.TermOut),
		&review)
	if err != nil {
		n.Analysis = fmt.Sprintf("feedback LLM call failed: %v", err)
		return
	}
	n.Analysis = review.Summary
	if review.IsBug {
		n.IsBuggy = true
	}
}

func joinTermOut(lines []string) string {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// moveArtifacts copies the execution's fixed artifacts into the run's
// experiment_results directory and moves every *.npy/*.png out of working/
// into it.
func moveArtifacts(execDir, workingDir string, in Input, n *tree.Node) {
	resultsDir := filepath.Join(in.WorkspaceRoot, "..", "logs", in.RunName, "experiment_results", fmt.Sprintf("experiment_%s_proc_%s", n.ID, shortID(in.ExecutionID)))
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return
	}
	n.ExpResultsDir = resultsDir

	for _, fixed := range []string{"codex_task.md", "codex_session.log", "codex_events.jsonl"} {
		copyIfExists(filepath.Join(execDir, fixed), filepath.Join(resultsDir, fixed))
	}
	copyIfExists(filepath.Join(workingDir, "node_result.json"), filepath.Join(resultsDir, "node_result.json"))
	copyIfExists(filepath.Join(workingDir, "node_result_harness.json"), filepath.Join(resultsDir, "node_result_harness.json"))

	for _, fixed := range []string{"codex_metrics_task.md", "codex_session__metrics.log", "codex_events__metrics.jsonl"} {
		copyIfExists(filepath.Join(execDir, fixed), filepath.Join(resultsDir, "metrics_pass__"+fixed))
	}
	for _, fixed := range []string{"parse_metrics.py", "metrics_pass__stdout.txt", "metrics_pass__stderr.txt"} {
		dstName := fixed
		if filepath.Ext(fixed) == ".py" {
			dstName = "metrics_pass__" + fixed
		}
		copyIfExists(filepath.Join(workingDir, fixed), filepath.Join(resultsDir, dstName))
	}

	entries, err := os.ReadDir(workingDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if ext != ".npy" && ext != ".png" {
			continue
		}
		src := filepath.Join(workingDir, e.Name())
		dst := filepath.Join(resultsDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			continue
		}
		if ext == ".png" {
			n.Plots = append(n.Plots, e.Name())
			n.PlotPaths = append(n.PlotPaths, dst)
		}
	}
}

func copyIfExists(src, dst string) {
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	_ = os.WriteFile(dst, data, 0o644)
}
