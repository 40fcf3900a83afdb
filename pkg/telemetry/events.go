// Package telemetry implements the event model and persistence queue:
// a bounded, best-effort queue drained by a single goroutine that batches
// high-rate Codex events and dispatches everything else one item at a time
// to a webhook publisher. Grounded on a typed-event-kind dispatch idiom,
// with the transport swapped from Postgres NOTIFY/LISTEN to HTTP webhook POST.
package telemetry

// Kind identifies the shape of an event's payload and selects the webhook
// endpoint suffix it is published to.
type Kind string

const (
	KindRunStageProgress          Kind = "run_stage_progress"
	KindRunLog                    Kind = "run_log"
	KindStageCompleted            Kind = "stage_completed"
	KindStageSummary              Kind = "stage_summary"
	KindSubstageCompleted         Kind = "substage_completed"
	KindSubstageSummary           Kind = "substage_summary"
	KindPaperGenerationProgress   Kind = "paper_generation_progress"
	KindTreeVizStored             Kind = "tree_viz_stored"
	KindRunningCode               Kind = "running_code"
	KindRunCompleted              Kind = "run_completed"
	KindStageSkipWindow           Kind = "stage_skip_window"
	KindArtifactUploaded          Kind = "artifact_uploaded"
	KindReviewCompleted           Kind = "review_completed"
	KindCodexEvent                Kind = "codex_event"
	KindTokenUsage                Kind = "token_usage"
	KindFigureReviews             Kind = "figure_reviews"
	KindHWStats                   Kind = "hw_stats"
	KindGPUShortage               Kind = "gpu_shortage"
	KindHeartbeat                 Kind = "heartbeat"
	KindRunStarted                Kind = "run_started"
	KindRunFinished                Kind = "run_finished"
	KindInitializationProgress    Kind = "initialization_progress"
)

// PersistableEvent is a typed event paired with its publish kind.
type PersistableEvent struct {
	Kind Kind
	Data any
}

// IsCodexEvent reports whether this event belongs to the high-rate Codex
// bulk-batching path rather than the one-POST-per-event path.
func (e PersistableEvent) IsCodexEvent() bool {
	return e.Kind == KindCodexEvent
}

// RunStageProgress is the payload for KindRunStageProgress.
type RunStageProgress struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
}

// RunLog is the payload for KindRunLog.
type RunLog struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// StageCompleted is the payload for KindStageCompleted.
type StageCompleted struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
}

// StageSummary is the payload for KindStageSummary.
type StageSummary struct {
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
}

// SubstageCompleted is the payload for KindSubstageCompleted.
type SubstageCompleted struct {
	Stage    string `json:"stage"`
	Substage string `json:"substage"`
}

// SubstageSummary is the payload for KindSubstageSummary.
type SubstageSummary struct {
	Stage    string `json:"stage"`
	Substage string `json:"substage"`
	Summary  string `json:"summary"`
}

// RunningCode is the payload for KindRunningCode.
type RunningCode struct {
	ExecutionID string `json:"execution_id"`
	Stage       string `json:"stage"`
	RunType     string `json:"run_type"`
	Code        string `json:"code"`
}

// RunCompleted is the payload for KindRunCompleted.
type RunCompleted struct {
	ExecutionID string `json:"execution_id"`
	Stage       string `json:"stage"`
	Status      string `json:"status"`
}

// StageSkipWindow is the payload for KindStageSkipWindow.
type StageSkipWindow struct {
	Stage  string `json:"stage"`
	State  string `json:"state"` // "opened" | "closed"
	Reason string `json:"reason,omitempty"`
}

// ArtifactUploaded is the payload for KindArtifactUploaded.
type ArtifactUploaded struct {
	NodeID string `json:"node_id"`
	Path   string `json:"path"`
	URL    string `json:"url"`
}

// ReviewCompleted is the payload for KindReviewCompleted.
type ReviewCompleted struct {
	Stage  string `json:"stage"`
	NodeID string `json:"node_id"`
	Review string `json:"review"`
}

// CodexEventItem is one JSONL record forwarded from the Codex CLI runner;
// a slice of these is the body of the bulk-endpoint POST.
type CodexEventItem struct {
	ExecutionID string `json:"execution_id"`
	Record      map[string]any `json:"record"`
}

// TokenUsage is the payload for KindTokenUsage.
type TokenUsage struct {
	ExecutionID string `json:"execution_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// FigureReviews is the payload for KindFigureReviews.
type FigureReviews struct {
	NodeID  string   `json:"node_id"`
	Figures []string `json:"figures"`
	Reviews []string `json:"reviews"`
}

// HWStatsPartition is one disk-usage sample within a HWStats payload.
type HWStatsPartition struct {
	Mount      string  `json:"mount"`
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// GPUShortage is the payload for KindGPUShortage; always fatal to the run.
type GPUShortage struct {
	Required  int    `json:"required"`
	Available int    `json:"available"`
	Message   string `json:"message,omitempty"`
}

// PaperGenerationProgress is the payload for KindPaperGenerationProgress.
type PaperGenerationProgress struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
}

// TreeVizStored is the payload for KindTreeVizStored.
type TreeVizStored struct {
	Stage string `json:"stage"`
	Path  string `json:"path"`
}

// RunFinished is the payload for KindRunFinished.
type RunFinished struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// InitializationProgress is the payload for KindInitializationProgress.
type InitializationProgress struct {
	Message string `json:"message"`
}
