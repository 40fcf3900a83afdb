// Package tree implements the solution tree (Journal): an append-only
// arena of experiment attempts with memoised best-node selection.
package tree

import "time"

// Metric is a node's evaluation result. A nil Metric sorts below every
// concrete metric ("worst").
type Metric struct {
	Value       map[string]any `yaml:"value"`
	Maximize    bool           `yaml:"maximize"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
}

// Node is a single attempted experiment.
type Node struct {
	ID    string
	Step  int
	Ctime time.Time

	Plan     string
	Code     string
	PlotCode string
	Stage    string

	TermOut []string
	ExecTime time.Duration
	ExcType  string
	ExcInfo  map[string]any

	Analysis                   string
	Metric                     *Metric
	IsBuggy                    bool
	IsBuggyPlots               bool
	VLMFeedback                string
	PlotAnalyses               []string
	VLMFeedbackSummary         []string
	DatasetsSuccessfullyTested []string

	ParentID string
	parent   *Node

	IsSeedNode         bool
	IsSeedAggNode      bool
	AblationName       string
	HyperparamName     string

	IsUserFeedback       bool
	UserFeedbackPayload  string
	UserFeedbackPending  bool

	ExpResultsDir string
	Plots         []string
	PlotPaths     []string

	BestNodeReasoning string
}

// Parent returns the reattached parent node, or nil for a draft/root node.
func (n *Node) Parent() *Node {
	return n.parent
}

// SetParent attaches p as n's parent. Never creates a cycle because the
// arena only ever grows by appending new nodes with a ParentID referencing
// an already-appended node.
func (n *Node) SetParent(p *Node) {
	n.parent = p
	if p != nil {
		n.ParentID = p.ID
	}
}

// IsGood reports whether the node is a usable (non-buggy) candidate.
func (n *Node) IsGood() bool {
	return !n.IsBuggy
}

// metricOrderingKey returns the metric's "score" oriented so that larger is
// better (negated when Maximize is false); a missing metric or score maps to
// the negInf sentinel so it never wins an argmax.
func (n *Node) metricOrderingKey() float64 {
	if n.Metric == nil || n.Metric.Value == nil {
		return negInf
	}
	v, ok := n.Metric.Value["score"].(float64)
	if !ok {
		return negInf
	}
	if n.Metric.Maximize {
		return v
	}
	return -v
}

const negInf = -1 << 62
