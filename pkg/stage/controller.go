package stage

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/kepler-labs/kepler/pkg/llm"
	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/kepler-labs/kepler/pkg/tree"
)

// Context is the value-passed bundle handed to every Controller call.
type Context struct {
	TaskDesc        string
	StageIdentifier string
	Journal         *tree.Journal
	WorkspaceDir    string
	EventCallback   func(telemetry.PersistableEvent)
	MaxIterations   int
	IterationCount  int
}

func (sc Context) emit(e telemetry.PersistableEvent) {
	if sc.EventCallback != nil {
		sc.EventCallback(e)
	}
}

// Controller is the per-stage policy: when is this sub-stage done, when is
// the whole stage done, and can it be skipped right now.
type Controller interface {
	EvaluateSubstageCompletion(ctx context.Context, sc Context) (bool, string)
	EvaluateStageCompletion(ctx context.Context, sc Context) (bool, string)
	ResetSkipState()
	SkipState(sc Context) (bool, string)
}

type cacheKey struct {
	bestNodeID  string
	metricValue float64
	goalsHash   uint64
}

func hashGoals(goals string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(goals))
	return h.Sum64()
}

type cachedResult struct {
	complete bool
	reason   string
}

// baseController holds the memoisation cache every stage controller shares:
// stage-completion queries are keyed on (best node id, its metric value, the
// goals text) so an unchanged journal never re-invokes the feedback LLM.
type baseController struct {
	mu              sync.Mutex
	substageCache   map[cacheKey]cachedResult
	stageCache      map[cacheKey]cachedResult
}

func newBaseController() baseController {
	return baseController{
		substageCache: make(map[cacheKey]cachedResult),
		stageCache:    make(map[cacheKey]cachedResult),
	}
}

func (b *baseController) keyFor(best *tree.Node, goals string) cacheKey {
	k := cacheKey{goalsHash: hashGoals(goals)}
	if best != nil {
		k.bestNodeID = best.ID
		k.metricValue = metricScore(best)
	}
	return k
}

func metricScore(n *tree.Node) float64 {
	if n == nil || n.Metric == nil || n.Metric.Value == nil {
		return 0
	}
	v, _ := n.Metric.Value["score"].(float64)
	return v
}

func (b *baseController) cachedSubstage(key cacheKey) (cachedResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.substageCache[key]
	return r, ok
}

func (b *baseController) storeSubstage(key cacheKey, r cachedResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.substageCache[key] = r
}

func (b *baseController) cachedStage(key cacheKey) (cachedResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.stageCache[key]
	return r, ok
}

func (b *baseController) storeStage(key cacheKey, r cachedResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stageCache[key] = r
}

func (b *baseController) ResetSkipState() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.substageCache = make(map[cacheKey]cachedResult)
	b.stageCache = make(map[cacheKey]cachedResult)
}

// substageCompletionResponse is the feedback LLM's schema for "is this
// sub-stage's goal satisfied yet".
type substageCompletionResponse struct {
	IsComplete      bool     `json:"is_complete"`
	Reasoning       string   `json:"reasoning"`
	MissingCriteria []string `json:"missing_criteria"`
}

func askSubstageCompletion(ctx context.Context, client llm.Client, goals string, best *tree.Node) (bool, string) {
	if client == nil {
		return false, "no feedback LLM configured"
	}
	var resp substageCompletionResponse
	user := fmt.Sprintf("Goals: %s\nBest metric so far: %v\n", goals, metricScore(best))
	if err := client.StructuredQuery(ctx, "Decide whether the current sub-stage goal has been met.", user, &resp); err != nil {
		return false, fmt.Sprintf("feedback LLM call failed: %v", err)
	}
	return resp.IsComplete, resp.Reasoning
}

// --- Stage 1: Baseline ---

// Stage1Controller completes the stage as soon as any non-buggy node
// exists; sub-stage completion is an LLM judgment call.
type Stage1Controller struct {
	baseController
	FeedbackLLM llm.Client
}

func NewStage1Controller(client llm.Client) *Stage1Controller {
	c := &Stage1Controller{FeedbackLLM: client}
	c.baseController = newBaseController()
	return c
}

func (c *Stage1Controller) EvaluateSubstageCompletion(ctx context.Context, sc Context) (bool, string) {
	best := sc.Journal.GetBestNode(ctx, true, false)
	key := c.keyFor(best, sc.TaskDesc)
	if cached, ok := c.cachedSubstage(key); ok {
		return cached.complete, cached.reason
	}
	complete, reason := askSubstageCompletion(ctx, c.FeedbackLLM, sc.TaskDesc, best)
	c.storeSubstage(key, cachedResult{complete, reason})
	return complete, reason
}

func (c *Stage1Controller) EvaluateStageCompletion(ctx context.Context, sc Context) (bool, string) {
	if len(sc.Journal.GoodNodes()) > 0 {
		return true, "Found working implementation"
	}
	return false, ""
}

func (c *Stage1Controller) SkipState(sc Context) (bool, string) {
	if len(sc.Journal.GoodNodes()) > 0 {
		return true, ""
	}
	return false, "no working implementation yet"
}

// --- Stage 2: Tuning ---

// stageCompletionResponse is the feedback LLM's schema for main-stage
// completion evidence.
type stageCompletionResponse struct {
	IsComplete bool   `json:"is_complete"`
	Reasoning  string `json:"reasoning"`
}

type Stage2Controller struct {
	baseController
	FeedbackLLM       llm.Client
	DatasetsRequired  int
}

func NewStage2Controller(client llm.Client) *Stage2Controller {
	c := &Stage2Controller{FeedbackLLM: client, DatasetsRequired: 2}
	c.baseController = newBaseController()
	return c
}

func (c *Stage2Controller) EvaluateSubstageCompletion(ctx context.Context, sc Context) (bool, string) {
	best := sc.Journal.GetBestNode(ctx, true, false)
	key := c.keyFor(best, sc.TaskDesc)
	if cached, ok := c.cachedSubstage(key); ok {
		return cached.complete, cached.reason
	}
	complete, reason := askSubstageCompletion(ctx, c.FeedbackLLM, sc.TaskDesc, best)
	c.storeSubstage(key, cachedResult{complete, reason})
	return complete, reason
}

func (c *Stage2Controller) EvaluateStageCompletion(ctx context.Context, sc Context) (bool, string) {
	best := sc.Journal.GetBestNode(ctx, true, false)
	datasetsTested := countDistinctDatasets(sc.Journal)
	key := c.keyFor(best, fmt.Sprintf("stage2-completion|%d", datasetsTested))
	if cached, ok := c.cachedStage(key); ok {
		return cached.complete, cached.reason
	}

	if datasetsTested < c.DatasetsRequired || c.FeedbackLLM == nil {
		result := cachedResult{false, "insufficient dataset coverage"}
		c.storeStage(key, result)
		return result.complete, result.reason
	}

	var resp stageCompletionResponse
	user := fmt.Sprintf("Datasets tested: %d, best metric: %v. Has tuning converged without divergence?", datasetsTested, metricScore(best))
	if err := c.FeedbackLLM.StructuredQuery(ctx, "Decide whether hyperparameter tuning has converged.", user, &resp); err != nil {
		result := cachedResult{false, fmt.Sprintf("feedback LLM call failed: %v", err)}
		c.storeStage(key, result)
		return result.complete, result.reason
	}
	result := cachedResult{resp.IsComplete, resp.Reasoning}
	c.storeStage(key, result)
	return result.complete, result.reason
}

func (c *Stage2Controller) SkipState(sc Context) (bool, string) {
	if sc.Journal.GetBestNode(context.Background(), true, false) != nil {
		return true, ""
	}
	return false, "no best node yet"
}

func countDistinctDatasets(j *tree.Journal) int {
	seen := make(map[string]bool)
	for _, n := range j.GoodNodes() {
		for _, d := range n.DatasetsSuccessfullyTested {
			seen[d] = true
		}
	}
	return len(seen)
}

// --- Stage 3: Plotting ---

type Stage3Controller struct {
	baseController
	FeedbackLLM llm.Client
	Timeout     time.Duration
}

func NewStage3Controller(client llm.Client, timeout time.Duration) *Stage3Controller {
	c := &Stage3Controller{FeedbackLLM: client, Timeout: timeout}
	c.baseController = newBaseController()
	return c
}

func (c *Stage3Controller) EvaluateSubstageCompletion(ctx context.Context, sc Context) (bool, string) {
	best := sc.Journal.GetBestNode(ctx, true, false)
	key := c.keyFor(best, sc.TaskDesc)
	if cached, ok := c.cachedSubstage(key); ok {
		return cached.complete, cached.reason
	}
	if best == nil || c.FeedbackLLM == nil {
		result := cachedResult{false, "no best node to review plots for"}
		c.storeSubstage(key, result)
		return result.complete, result.reason
	}

	var resp substageCompletionResponse
	user := fmt.Sprintf("Plot analyses: %v", best.PlotAnalyses)
	if err := c.FeedbackLLM.StructuredQuery(ctx, "Decide whether the current plots satisfy the sub-stage goal.", user, &resp); err != nil {
		result := cachedResult{false, fmt.Sprintf("feedback LLM call failed: %v", err)}
		c.storeSubstage(key, result)
		return result.complete, result.reason
	}
	result := cachedResult{resp.IsComplete, resp.Reasoning}
	c.storeSubstage(key, result)
	return result.complete, result.reason
}

// EvaluateStageCompletion is never directly true: past half of
// max_iterations, if the best node still runs comfortably under budget it
// emits an exec-time nudge via the event callback and stays incomplete.
func (c *Stage3Controller) EvaluateStageCompletion(ctx context.Context, sc Context) (bool, string) {
	if sc.MaxIterations > 0 && sc.IterationCount >= sc.MaxIterations/2 {
		best := sc.Journal.GetBestNode(ctx, true, false)
		if best != nil && c.Timeout > 0 && best.ExecTime < c.Timeout/2 {
			sc.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunLog, Data: telemetry.RunLog{
				Stage:   sc.StageIdentifier,
				Message: "execution time well under budget; consider scaling up the experiment",
				Level:   "exec_time_feedback",
			}})
		}
	}
	return false, ""
}

func (c *Stage3Controller) SkipState(sc Context) (bool, string) {
	best := sc.Journal.GetBestNode(context.Background(), true, false)
	if best == nil {
		return false, "no best node yet"
	}
	if best.IsBuggy || best.IsBuggyPlots {
		return false, "best node's plots are buggy"
	}
	if len(best.Plots) == 0 || len(best.PlotPaths) == 0 {
		return false, "best node has no rendered plots yet"
	}
	return true, ""
}

// --- Stage 4: Ablation ---

type Stage4Controller struct {
	baseController
	FeedbackLLM llm.Client
}

func NewStage4Controller(client llm.Client) *Stage4Controller {
	c := &Stage4Controller{FeedbackLLM: client}
	c.baseController = newBaseController()
	return c
}

func (c *Stage4Controller) EvaluateSubstageCompletion(ctx context.Context, sc Context) (bool, string) {
	best := sc.Journal.GetBestNode(ctx, true, false)
	key := c.keyFor(best, sc.TaskDesc)
	if cached, ok := c.cachedSubstage(key); ok {
		return cached.complete, cached.reason
	}
	if c.FeedbackLLM == nil {
		result := cachedResult{false, "no feedback LLM configured"}
		c.storeSubstage(key, result)
		return result.complete, result.reason
	}

	var resp substageCompletionResponse
	if err := c.FeedbackLLM.StructuredQuery(ctx, "Decide whether the current ablation sub-stage goal has been met.", sc.TaskDesc, &resp); err != nil {
		result := cachedResult{false, fmt.Sprintf("feedback LLM call failed: %v", err)}
		c.storeSubstage(key, result)
		return result.complete, result.reason
	}
	result := cachedResult{resp.IsComplete, resp.Reasoning}
	c.storeSubstage(key, result)
	return result.complete, result.reason
}

// EvaluateStageCompletion always returns false: Stage 4 runs until
// max_iterations is exhausted by the stage manager's own loop.
func (c *Stage4Controller) EvaluateStageCompletion(ctx context.Context, sc Context) (bool, string) {
	return false, ""
}

func (c *Stage4Controller) SkipState(sc Context) (bool, string) {
	if len(sc.Journal.GoodNodes()) > 0 {
		return true, ""
	}
	return false, "no non-buggy best node yet"
}

var (
	_ Controller = (*Stage1Controller)(nil)
	_ Controller = (*Stage2Controller)(nil)
	_ Controller = (*Stage3Controller)(nil)
	_ Controller = (*Stage4Controller)(nil)
)
