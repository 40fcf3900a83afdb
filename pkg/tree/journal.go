package tree

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// BestNodeSelector asks an LLM to break a tie between equally-plausible
// candidates. Implementations must never block indefinitely; Journal treats
// any error as "fall back to deterministic selection".
type BestNodeSelector interface {
	SelectBestNode(ctx context.Context, candidates []CandidateInfo) (selectedID string, reasoning string, err error)
}

// CandidateInfo is the per-node info block handed to the selector LLM.
type CandidateInfo struct {
	ID          string
	MetricText  string
	Analysis    string
	VLMFeedback string
}

// EventEmitter receives telemetry from the journal (best-node-selected events).
type EventEmitter interface {
	EmitBestNodeSelected(stage, nodeID, reasoning string)
}

// Journal is the per-sub-stage append-only container for Nodes.
type Journal struct {
	mu    sync.RWMutex
	stage string
	runID string
	nodes []*Node

	selector BestNodeSelector
	emitter  EventEmitter

	fingerprint     string
	selectionCache  map[string]selectionResult
	summaryCache    map[string]string
}

type selectionResult struct {
	node      *Node
	reasoning string
}

// NewJournal creates an empty journal for one sub-stage.
func NewJournal(stage, runID string, selector BestNodeSelector, emitter EventEmitter) *Journal {
	return &Journal{
		stage:          stage,
		runID:          runID,
		selector:       selector,
		emitter:        emitter,
		selectionCache: make(map[string]selectionResult),
		summaryCache:   make(map[string]string),
	}
}

// Append assigns n.Step and appends it. It reattaches n's parent by ID
// by searching the arena, matching Node.from_dict's reattachment contract.
func (j *Journal) Append(n *Node) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n.Step = len(j.nodes)
	if n.ParentID != "" && n.parent == nil {
		for _, candidate := range j.nodes {
			if candidate.ID == n.ParentID {
				n.parent = candidate
				break
			}
		}
	}
	j.nodes = append(j.nodes, n)
}

// Len returns the number of nodes (Journal invariant: Len() == last.Step+1).
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.nodes)
}

// Nodes returns a defensive copy of the node slice (pointers are shared;
// the Node values themselves are treated as append-only after construction).
func (j *Journal) Nodes() []*Node {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Node, len(j.nodes))
	copy(out, j.nodes)
	return out
}

// GoodNodes returns all non-buggy nodes.
func (j *Journal) GoodNodes() []*Node {
	var out []*Node
	for _, n := range j.Nodes() {
		if n.IsGood() {
			out = append(out, n)
		}
	}
	return out
}

// computeFingerprint builds the cache-invalidation key from (id, metric,
// is_buggy, is_buggy_plots, is_seed_node) across all nodes.
func computeFingerprint(nodes []*Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&sb, "%s|%v|%v|%v|%v;", n.ID, n.metricOrderingKey(), n.IsBuggy, n.IsBuggyPlots, n.IsSeedNode)
	}
	return sb.String()
}

// GetBestNode selects the best candidate node for a sub-stage, using an
// LLM tie-break when more than one good candidate remains after filtering.
func (j *Journal) GetBestNode(ctx context.Context, onlyGood, useValMetricOnly bool) *Node {
	j.mu.Lock()
	nodes := make([]*Node, len(j.nodes))
	copy(nodes, j.nodes)
	fp := computeFingerprint(nodes)
	if fp != j.fingerprint {
		j.fingerprint = fp
		j.selectionCache = make(map[string]selectionResult)
		j.summaryCache = make(map[string]string)
	}
	j.mu.Unlock()

	candidates := selectCandidates(nodes, onlyGood)
	if len(candidates) == 0 {
		return nil
	}

	sigKey := selectionSignature(onlyGood, useValMetricOnly, candidates)

	j.mu.RLock()
	if cached, ok := j.selectionCache[sigKey]; ok {
		j.mu.RUnlock()
		return cached.node
	}
	j.mu.RUnlock()

	var result selectionResult
	switch {
	case useValMetricOnly:
		result = selectionResult{node: argmaxByMetric(candidates)}
	case len(candidates) == 1:
		result = selectionResult{node: candidates[0]}
	default:
		result = j.selectWithLLM(ctx, candidates)
	}

	j.mu.Lock()
	j.selectionCache[sigKey] = result
	j.mu.Unlock()

	if result.reasoning != "" && j.emitter != nil {
		j.emitter.EmitBestNodeSelected(j.stage, result.node.ID, result.reasoning)
	}
	if result.node != nil {
		result.node.BestNodeReasoning = result.reasoning
	}
	return result.node
}

func selectCandidates(nodes []*Node, onlyGood bool) []*Node {
	var all []*Node
	for _, n := range nodes {
		if onlyGood && n.IsBuggy {
			continue
		}
		all = append(all, n)
	}

	var withoutSeeds []*Node
	for _, n := range all {
		if !n.IsSeedNode {
			withoutSeeds = append(withoutSeeds, n)
		}
	}
	if len(withoutSeeds) > 0 {
		return withoutSeeds
	}
	// Exclusion emptied the set: fall back to including seed nodes.
	return all
}

func selectionSignature(onlyGood, useValMetricOnly bool, candidates []*Node) string {
	ids := make([]string, len(candidates))
	for i, n := range candidates {
		ids[i] = fmt.Sprintf("%s:%v:%v", n.ID, n.metricOrderingKey(), n.IsBuggy)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%v|%v|%s", onlyGood, useValMetricOnly, strings.Join(ids, ","))
}

func argmaxByMetric(candidates []*Node) *Node {
	best := candidates[0]
	bestKey := best.metricOrderingKey()
	for _, n := range candidates[1:] {
		k := n.metricOrderingKey()
		if k > bestKey {
			best, bestKey = n, k
		}
	}
	return best
}

// selectWithLLM calls the selector and falls back to a deterministic
// argmax-then-lowest-step tie-break (highest score, then lowest node
// creation sequence number) on any error or out-of-range answer.
func (j *Journal) selectWithLLM(ctx context.Context, candidates []*Node) selectionResult {
	if j.selector == nil {
		return deterministicFallback(candidates)
	}

	infos := make([]CandidateInfo, len(candidates))
	for i, n := range candidates {
		infos[i] = CandidateInfo{
			ID:          n.ID,
			MetricText:  fmt.Sprintf("%v", n.metricOrderingKey()),
			Analysis:    n.Analysis,
			VLMFeedback: n.VLMFeedback,
		}
	}

	selectedID, reasoning, err := j.selector.SelectBestNode(ctx, infos)
	if err != nil {
		slog.Warn("best-node selection LLM call failed, falling back to metric argmax",
			"stage", j.stage, "error", err)
		fb := deterministicFallback(candidates)
		fb.reasoning = fmt.Sprintf("LLM selection failed (%v); fell back to best metric", err)
		return fb
	}

	for _, n := range candidates {
		if n.ID == selectedID {
			return selectionResult{node: n, reasoning: reasoning}
		}
	}
	// Returned id is not one of the candidates: fall back silently, no
	// best-node-selected event emitted.
	fb := deterministicFallback(candidates)
	fb.reasoning = ""
	return fb
}

func deterministicFallback(candidates []*Node) selectionResult {
	best := candidates[0]
	bestKey := best.metricOrderingKey()
	for _, n := range candidates[1:] {
		k := n.metricOrderingKey()
		if k > bestKey || (k == bestKey && n.Step < best.Step) {
			best, bestKey = n, k
		}
	}
	return selectionResult{node: best}
}

// GenerateSummary is deterministic and never calls the LLM.
func (j *Journal) GenerateSummary(includeCode bool) string {
	nodes := j.Nodes()

	var good, buggy []*Node
	for _, n := range nodes {
		if n.IsBuggy {
			buggy = append(buggy, n)
		} else {
			good = append(good, n)
		}
	}

	cacheKey := fmt.Sprintf("%v|%s|%s", includeCode, idsKey(good), idsKey(buggy))
	j.mu.RLock()
	if cached, ok := j.summaryCache[cacheKey]; ok {
		j.mu.RUnlock()
		return cached
	}
	j.mu.RUnlock()

	best := j.GetBestNode(context.Background(), true, false)

	var sb strings.Builder
	fmt.Fprintf(&sb, "stage=%s nodes=%d good=%d buggy=%d\n", j.stage, len(nodes), len(good), len(buggy))
	if best != nil {
		fmt.Fprintf(&sb, "best=%s metric=%v\n", best.ID, best.metricOrderingKey())
	}
	for _, n := range lastN(good, 3) {
		fmt.Fprintf(&sb, "good: %s metric=%v plan=%s\n", n.ID, n.metricOrderingKey(), truncate(n.Plan, 160))
	}
	for _, n := range lastN(buggy, 3) {
		fmt.Fprintf(&sb, "buggy: %s exc=%s analysis=%s feedback=%s\n",
			n.ID, n.ExcType, truncate(n.Analysis, 160), n.UserFeedbackPayload)
	}

	out := sb.String()
	j.mu.Lock()
	j.summaryCache[cacheKey] = out
	j.mu.Unlock()
	return out
}

func idsKey(nodes []*Node) string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func lastN(nodes []*Node, n int) []*Node {
	if len(nodes) <= n {
		return nodes
	}
	return nodes[len(nodes)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
