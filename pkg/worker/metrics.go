package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/kepler-labs/kepler/pkg/codex"
	"github.com/kepler-labs/kepler/pkg/tree"
)

var metricsTaskTemplate = template.Must(template.New("codex_metrics_task").Parse(metricsTaskTemplateText))

const metricsTaskTemplateText = `# Metrics extraction

Stage: {{.StageIdentifier}}

Write a standalone script working/parse_metrics.py that reads this
experiment's output and prints, per dataset, the final and best values of
every metric the evaluation spec below names.

## Attempt code
` + "```python\n{{.NodeCode}}\n```" + `

{{if .NodeAnalysis}}## Attempt analysis
{{.NodeAnalysis}}
{{end}}

## Evaluation metric
{{.MetricSpecJSON}}
`

// metricDataset is one dataset's metric reading within metricsParseResponse.
type metricDataset struct {
	DatasetName string  `json:"dataset_name"`
	FinalValue  float64 `json:"final_value"`
	BestValue   float64 `json:"best_value"`
}

// metricEntry is one named metric within metricsParseResponse.
type metricEntry struct {
	MetricName    string          `json:"metric_name"`
	LowerIsBetter bool            `json:"lower_is_better"`
	Description   string          `json:"description"`
	Datasets      []metricDataset `json:"datasets"`
}

// metricsParseResponse is the feedback LLM's schema for reviewing
// parse_metrics.py's stdout/stderr.
type metricsParseResponse struct {
	ValidMetricsReceived bool          `json:"valid_metrics_received"`
	MetricNames          []metricEntry `json:"metric_names"`
}

// runMetricsPass is worker step 11: produce and execute parse_metrics.py,
// then have the feedback LLM validate its output into a structured metric.
// A non-buggy node becomes buggy when parse_metrics.py cannot be obtained or
// run, or when the feedback LLM reports no valid metrics; when no feedback
// LLM is configured or its call fails, the node keeps its status and gets
// the worst metric. The node's original plan/code survive regardless.
func runMetricsPass(ctx context.Context, execDir, workingDir string, in Input, node *tree.Node, deps Deps) {
	if node.IsBuggy {
		return
	}
	if deps.RunScript == nil {
		return
	}
	if _, statErr := os.Stat(filepath.Join(workingDir, "experiment_data.npy")); statErr != nil {
		return
	}
	if deps.Registry != nil && deps.Registry.IsSkipPending(in.ExecutionID) {
		node.IsBuggy = true
		node.Analysis = "execution terminated before metrics pass (skip requested)"
		return
	}

	scriptPath := filepath.Join(workingDir, "parse_metrics.py")
	metricsTaskPath := filepath.Join(execDir, "codex_metrics_task.md")

	if in.SeedEval {
		if !copyParentMetricsScript(in, scriptPath) {
			node.IsBuggy = true
			node.Analysis = "seed-eval could not find the parent's parse_metrics.py to copy"
			return
		}
	} else {
		if err := renderMetricsTask(metricsTaskPath, in, node); err != nil {
			node.IsBuggy = true
			node.Analysis = fmt.Sprintf("failed to render metrics task: %v", err)
			return
		}
		if deps.RunCodex == nil {
			return
		}
		_, err := deps.RunCodex(ctx, codex.Options{
			WorkspaceDir:   workingDir,
			SessionLogPath: filepath.Join(execDir, "codex_session__metrics.log"),
			EventsLogPath:  filepath.Join(execDir, "codex_events__metrics.jsonl"),
			Timeout:        deps.ExecTimeout,
			GraceSeconds:   deps.GraceSeconds,
			ArgvPrefix:     []string{"codex", "exec", "--yolo", "--skip-git-repo-check", "--json"},
			TaskFilePath:   metricsTaskPath,
			TerminationCheck: func() bool {
				return deps.Registry != nil && deps.Registry.IsTerminated(in.ExecutionID)
			},
		})
		if err != nil {
			node.IsBuggy = true
			node.Analysis = fmt.Sprintf("metrics-pass codex invocation failed: %v", err)
			return
		}
	}

	if _, statErr := os.Stat(scriptPath); statErr != nil {
		node.IsBuggy = true
		node.Analysis = "metrics pass did not produce parse_metrics.py"
		return
	}

	if deps.RunScript == nil {
		return
	}
	stdout, stderr, err := deps.RunScript(ctx, in.VenvPath, scriptPath, deps.ExecTimeout)
	writeIfNonEmpty(filepath.Join(workingDir, "metrics_pass__stdout.txt"), stdout)
	writeIfNonEmpty(filepath.Join(workingDir, "metrics_pass__stderr.txt"), stderr)
	if err != nil {
		node.IsBuggy = true
		node.Analysis = fmt.Sprintf("parse_metrics.py failed: %v", err)
		return
	}

	if deps.FeedbackLLM == nil {
		node.Metric = worstMetric()
		return
	}

	var resp metricsParseResponse
	user := fmt.Sprintf("parse_metrics.py stdout:\n%s\n\nstderr:\n%s", stdout, stderr)
	if err := deps.FeedbackLLM.StructuredQuery(ctx, "Extract validated metrics from this script's output.", user, &resp); err != nil {
		node.Metric = worstMetric()
		node.Analysis = fmt.Sprintf("metrics-parse feedback call failed: %v", err)
		return
	}
	if !resp.ValidMetricsReceived || len(resp.MetricNames) == 0 {
		node.Metric = worstMetric()
		node.IsBuggy = true
		node.Analysis = "feedback LLM could not validate any metrics from parse_metrics.py's output"
		return
	}

	names := make([]any, len(resp.MetricNames))
	found := make(map[string]bool)
	for i, m := range resp.MetricNames {
		names[i] = m
		for _, d := range m.Datasets {
			found[d.DatasetName] = true
		}
	}
	node.Metric = &tree.Metric{Value: map[string]any{"metric_names": names}}
	node.DatasetsSuccessfullyTested = unionDatasets(node.DatasetsSuccessfullyTested, found)
}

func copyParentMetricsScript(in Input, dst string) bool {
	if in.Parent == nil || in.Parent.ExpResultsDir == "" {
		return false
	}
	src := filepath.Join(in.Parent.ExpResultsDir, "metrics_pass__parse_metrics.py")
	data, err := os.ReadFile(src)
	if err != nil {
		return false
	}
	return os.WriteFile(dst, data, 0o644) == nil
}

func writeIfNonEmpty(path, content string) {
	if content == "" {
		return
	}
	_ = os.WriteFile(path, []byte(content), 0o644)
}

func unionDatasets(existing []string, found map[string]bool) []string {
	seen := make(map[string]bool, len(existing)+len(found))
	var out []string
	for _, d := range existing {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for d := range found {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

type metricsTemplateData struct {
	Input
	NodeCode     string
	NodeAnalysis string
}

func renderMetricsTask(path string, in Input, node *tree.Node) error {
	data := metricsTemplateData{Input: in, NodeCode: node.Code, NodeAnalysis: node.Analysis}
	var buf bytes.Buffer
	if err := metricsTaskTemplate.Execute(&buf, data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
