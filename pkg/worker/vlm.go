package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kepler-labs/kepler/pkg/tree"
)

const vlmPassMaxImages = 10

// plotFeedbackResponse is the VLM's structured schema for reviewing a
// node's rendered plots.
type plotFeedbackResponse struct {
	IsBuggyPlots       bool     `json:"is_buggy_plots"`
	PlotAnalyses       []string `json:"plot_analyses"`
	VLMFeedbackSummary []string `json:"vlm_feedback_summary"`
	VLMFeedback        string   `json:"vlm_feedback"`
}

type plotSelectionResponse struct {
	SelectedPaths []string `json:"selected_paths"`
}

// runVLMPass is worker step 12: Stage 3 and Stage 4 only, non-buggy nodes
// with rendered plots only. The plots are node.PlotPaths, or, when that is
// still empty, the *.png files in working/. When more than vlmPassMaxImages
// plots exist, the feedback LLM first narrows the set before the VLM
// reviews it.
func runVLMPass(ctx context.Context, workingDir string, in Input, node *tree.Node, deps Deps) {
	if node.IsBuggy {
		return
	}
	if in.StageIdentifier != "stage3_plotting" && in.StageIdentifier != "stage4_ablation" {
		return
	}
	paths := node.PlotPaths
	if len(paths) == 0 {
		entries, _ := os.ReadDir(workingDir)
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".png" {
				paths = append(paths, filepath.Join(workingDir, e.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return
	}
	if deps.VLMClient == nil {
		return
	}

	if len(paths) > vlmPassMaxImages {
		paths = narrowPlotSelection(ctx, deps, paths)
	}

	var feedback plotFeedbackResponse
	if err := deps.VLMClient.StructuredVisionQuery(ctx, "Review these experiment plots for correctness and clarity.", paths, vlmPassMaxImages, &feedback); err != nil {
		node.Analysis = appendNote(node.Analysis, fmt.Sprintf("VLM pass failed: %v", err))
		return
	}

	node.IsBuggyPlots = feedback.IsBuggyPlots
	node.PlotAnalyses = feedback.PlotAnalyses
	node.VLMFeedbackSummary = feedback.VLMFeedbackSummary
	node.VLMFeedback = feedback.VLMFeedback

	writeHarnessSidecar(workingDir, feedback)
}

func narrowPlotSelection(ctx context.Context, deps Deps, paths []string) []string {
	if deps.FeedbackLLM != nil {
		var sel plotSelectionResponse
		user := fmt.Sprintf("Select up to %d of the most informative plots from: %v", vlmPassMaxImages, paths)
		if err := deps.FeedbackLLM.StructuredQuery(ctx, "Narrow this set of plots down for VLM review.", user, &sel); err == nil && len(sel.SelectedPaths) > 0 {
			paths = sel.SelectedPaths
		}
	}
	if len(paths) > vlmPassMaxImages {
		paths = paths[:vlmPassMaxImages]
	}
	return paths
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

// writeHarnessSidecar persists the raw VLM response next to the node's
// working directory for later debugging.
func writeHarnessSidecar(workingDir string, feedback plotFeedbackResponse) {
	raw, err := json.MarshalIndent(feedback, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(workingDir, "node_result_harness.json")
	_ = os.WriteFile(path, raw, 0o644)
}
