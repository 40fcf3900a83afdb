// Package search implements the parallel agent: a fixed-size worker
// pool, a GPU manager, node-selection policy, multi-seed evaluation, and
// the idea-proposer state Stages 2 and 4 use to avoid repeating
// hyperparameter/ablation ideas.
package search

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kepler-labs/kepler/pkg/registry"
	"github.com/kepler-labs/kepler/pkg/tree"
	"github.com/kepler-labs/kepler/pkg/worker"
)

type workItem struct {
	in       worker.Input
	resultCh chan workResult
}

type workResult struct {
	node *tree.Node
	err  error
}

// StageConfig is the per-stage tuning the agent reads to drive selection
// and the executor timeout.
type StageConfig struct {
	Identifier    string
	NumDrafts     int
	DebugProb     float64
	MaxDebugDepth int
	NumSeeds      int
	ExecTimeout   time.Duration
}

// workerPool is one generation of the fixed-size goroutine pool. Restarting
// the executor retires a generation rather than mutating it in place, so a
// Step call that just dispatched work never blocks waiting for straggling
// goroutines from a prior, timed-out generation to exit.
type workerPool struct {
	work chan workItem
	wg   sync.WaitGroup
}

// Agent owns the worker pool, the GPU manager, and per-run idea state for
// one stage's journal.
type Agent struct {
	workerCount int
	deps        worker.Deps
	registry    *registry.Registry

	mu       sync.Mutex
	pool     *workerPool
	inFlight map[string]chan workResult

	gpus chan int

	triedHyperparams map[string]bool
	triedAblations   map[string]bool
}

// New creates an agent with workerCount pool slots. gpuCount <= 0 means no
// GPU pinning is performed (CUDA_VISIBLE_DEVICES is left unset).
func New(workerCount, gpuCount int, deps worker.Deps, reg *registry.Registry) *Agent {
	deps.Registry = reg
	a := &Agent{
		workerCount:      workerCount,
		deps:             deps,
		registry:         reg,
		inFlight:         make(map[string]chan workResult),
		triedHyperparams: make(map[string]bool),
		triedAblations:   make(map[string]bool),
	}
	if gpuCount > 0 {
		a.gpus = make(chan int, gpuCount)
		for i := 0; i < gpuCount; i++ {
			a.gpus <- i
		}
	}
	a.pool = a.spawnPool(workerCount)
	return a
}

func (a *Agent) spawnPool(n int) *workerPool {
	p := &workerPool{work: make(chan workItem)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for item := range p.work {
				node, err := worker.Run(context.Background(), item.in, a.deps)
				item.resultCh <- workResult{node: node, err: err}
			}
		}()
	}
	return p
}

func (a *Agent) currentPool() *workerPool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pool
}

// restart retires the current pool generation and installs a fresh one,
// used when an iteration times out and remaining work must be abandoned
// without blocking the caller. Any execution ids still in flight are marked
// terminated first so a real Codex child actually gets signalled; the
// retired generation's goroutines are drained in the background, since a
// goroutine blocked inside a single worker attempt cannot be force-killed
// the way an OS process can.
func (a *Agent) restart() {
	a.mu.Lock()
	old := a.pool
	for execID := range a.inFlight {
		a.registry.MarkTerminated(execID, "search: iteration timed out")
	}
	a.inFlight = make(map[string]chan workResult)
	a.pool = a.spawnPool(a.workerCount)
	a.mu.Unlock()

	go func() {
		close(old.work)
		old.wg.Wait()
	}()
}

func (a *Agent) acquireGPU() (id int, ok bool) {
	if a.gpus == nil {
		return 0, false
	}
	return <-a.gpus, true
}

func (a *Agent) releaseGPU(id int, held bool) {
	if held && a.gpus != nil {
		a.gpus <- id
	}
}

// AbortActiveExecutions flags every in-flight execution as skip-pending;
// it does not cancel the pool itself.
func (a *Agent) AbortActiveExecutions(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for execID := range a.inFlight {
		a.registry.FlagSkipPending(execID, reason)
	}
}

// InFlightExecutionIDs reports the execution ids currently dispatched to
// the pool, for health/debug surfacing.
func (a *Agent) InFlightExecutionIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.inFlight))
	for execID := range a.inFlight {
		ids = append(ids, execID)
	}
	return ids
}

// Step runs one iteration: select nodes, dispatch workers, collect results
// into the journal.
func (a *Agent) Step(ctx context.Context, journal *tree.Journal, cfg StageConfig, buildInput func(parent *tree.Node, seedEval bool, seedValue int) worker.Input) error {
	selected := a.selectParallelNodes(journal, cfg)
	if len(selected) == 0 {
		return nil
	}

	var inFlight []dispatchedWork

	for _, parent := range selected {
		gpuID, held := a.acquireGPU()
		execID := uuid.NewString()

		in := buildInput(parent, false, 0)
		in.ExecutionID = execID
		in.HasGPU = held
		in.GPUID = gpuID

		a.registry.RegisterExecution(execID, &registry.NodeRef{ID: execID})

		resultCh := make(chan workResult, 1)
		a.mu.Lock()
		a.inFlight[execID] = resultCh
		a.mu.Unlock()

		a.currentPool().work <- workItem{in: in, resultCh: resultCh}
		inFlight = append(inFlight, dispatchedWork{execID: execID, ch: resultCh})
		defer a.releaseGPU(gpuID, held)
	}

	return a.collect(ctx, journal, cfg.ExecTimeout, inFlight)
}

// dispatchedWork tracks one in-flight execution's result channel.
type dispatchedWork struct {
	execID string
	ch     chan workResult
}

// taggedResult pairs a collected workResult with the execution id it came
// from, so the fan-in goroutines below can be deregistered individually.
type taggedResult struct {
	execID string
	result workResult
}

func (a *Agent) collect(ctx context.Context, journal *tree.Journal, timeout time.Duration, inFlight []dispatchedWork) error {
	fanIn := make(chan taggedResult, len(inFlight))
	for _, d := range inFlight {
		go func(execID string, ch chan workResult) {
			fanIn <- taggedResult{execID: execID, result: <-ch}
		}(d.execID, d.ch)
	}

	deadline := time.After(timeout)
	remaining := len(inFlight)

	for remaining > 0 {
		select {
		case t := <-fanIn:
			remaining--
			a.mu.Lock()
			delete(a.inFlight, t.execID)
			a.mu.Unlock()
			a.registry.Clear(t.execID)

			if t.result.err != nil {
				continue // ExecutionCrashedError-equivalent: dropped, nothing is appended
			}
			if t.result.node == nil || t.result.node.ExcType == "ExecutionTerminatedError" {
				continue // ExecutionTerminatedError-equivalent: skip silently
			}
			journal.Append(t.result.node)

		case <-deadline:
			a.restart()
			return fmt.Errorf("search: iteration timed out after %s, executor restarted", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// selectParallelNodes implements the node-selection policy: feedback
// re-runs first, then drafting, then debugging with probability
// cfg.DebugProb, then the best good node (or nil for a fresh draft).
func (a *Agent) selectParallelNodes(journal *tree.Journal, cfg StageConfig) []*tree.Node {
	nodes := journal.Nodes()

	var feedbackPending []*tree.Node
	for _, n := range nodes {
		if n.UserFeedbackPending {
			feedbackPending = append(feedbackPending, n)
		}
	}
	if len(feedbackPending) > 0 {
		return feedbackPending
	}

	var drafts []*tree.Node
	for _, n := range nodes {
		if n.Parent() == nil && !n.IsSeedNode {
			drafts = append(drafts, n)
		}
	}
	if len(drafts) < cfg.NumDrafts {
		// nil denotes "draft a new root".
		return []*tree.Node{nil}
	}

	if cfg.DebugProb > 0 && rand.Float64() < cfg.DebugProb {
		if leaf := randomBuggyLeaf(nodes, cfg.MaxDebugDepth); leaf != nil {
			return []*tree.Node{leaf}
		}
	}

	best := journal.GetBestNode(context.Background(), true, false)
	width := a.workerCount
	if width < 1 {
		width = 1
	}
	selected := make([]*tree.Node, width)
	for i := range selected {
		selected[i] = best
	}
	return selected
}

func randomBuggyLeaf(nodes []*tree.Node, maxDepth int) *tree.Node {
	childSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Parent() != nil {
			childSet[n.Parent().ID] = true
		}
	}

	var candidates []*tree.Node
	for _, n := range nodes {
		if !n.IsBuggy || childSet[n.ID] {
			continue
		}
		if depthOf(n) <= maxDepth {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func depthOf(n *tree.Node) int {
	depth := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		depth++
	}
	return depth
}

// RunMultiSeedEvaluation clones node across [0, numSeeds) seed values,
// submitting each as an independent seed-eval worker attempt, then — once
// every seed completes — dispatches a single follow-up aggregation pass
// that rolls the seed nodes up into one variability report. The returned
// slice holds the seed nodes followed by the aggregation node, if any.
func (a *Agent) RunMultiSeedEvaluation(ctx context.Context, node *tree.Node, numSeeds int, buildInput func(parent *tree.Node, seedEval bool, seedValue int) worker.Input) ([]*tree.Node, error) {
	var seedNodes []*tree.Node
	for s := 0; s < numSeeds; s++ {
		execID := uuid.NewString()
		in := buildInput(node, true, s)
		in.ExecutionID = execID
		a.registry.RegisterExecution(execID, &registry.NodeRef{ID: execID})

		resultCh := make(chan workResult, 1)
		a.currentPool().work <- workItem{in: in, resultCh: resultCh}
		result := <-resultCh
		a.registry.Clear(execID)

		if result.err != nil {
			continue
		}
		if result.node != nil {
			result.node.SetParent(node)
			seedNodes = append(seedNodes, result.node)
		}
	}

	if len(seedNodes) == 0 {
		return seedNodes, nil
	}

	seedIDs := make([]string, len(seedNodes))
	for i, n := range seedNodes {
		seedIDs[i] = n.ID
	}

	execID := uuid.NewString()
	in := buildInput(node, false, 0)
	in.ExecutionID = execID
	in.SeedAggregation = &worker.SeedAggregationInput{SeedNodeIDs: seedIDs}
	a.registry.RegisterExecution(execID, &registry.NodeRef{ID: execID})

	resultCh := make(chan workResult, 1)
	a.currentPool().work <- workItem{in: in, resultCh: resultCh}
	result := <-resultCh
	a.registry.Clear(execID)

	if result.err == nil && result.node != nil {
		result.node.SetParent(node)
		seedNodes = append(seedNodes, result.node)
	}
	return seedNodes, nil
}
