package tree

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	calls int
	lastID string
}

func (f *fakeEmitter) EmitBestNodeSelected(stage, nodeID, reasoning string) {
	f.calls++
	f.lastID = nodeID
}

type fakeSelector struct {
	id  string
	err error
}

func (f *fakeSelector) SelectBestNode(ctx context.Context, candidates []CandidateInfo) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return f.id, "chosen by fake selector", nil
}

func goodNode(id string, step int, score float64) *Node {
	return &Node{ID: id, Step: step, Metric: &Metric{Value: map[string]any{"score": score}, Maximize: true}}
}

func TestJournal_AppendAssignsStep(t *testing.T) {
	j := NewJournal("stage1_baseline", "run-1", nil, nil)

	j.Append(&Node{ID: "a"})
	j.Append(&Node{ID: "b"})

	nodes := j.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, 0, nodes[0].Step)
	assert.Equal(t, 1, nodes[1].Step)
	assert.Equal(t, nodes[len(nodes)-1].Step+1, j.Len())
}

func TestJournal_AppendReattachesParentByID(t *testing.T) {
	j := NewJournal("stage1_baseline", "run-1", nil, nil)
	j.Append(&Node{ID: "root"})
	j.Append(&Node{ID: "child", ParentID: "root"})

	nodes := j.Nodes()
	require.NotNil(t, nodes[1].Parent())
	assert.Equal(t, "root", nodes[1].Parent().ID)
}

func TestJournal_GetBestNode_SingleCandidateSkipsLLM(t *testing.T) {
	selector := &fakeSelector{err: errors.New("should not be called")}
	j := NewJournal("stage1_baseline", "run-1", selector, nil)
	j.Append(goodNode("only", 0, 1.0))

	best := j.GetBestNode(context.Background(), true, false)
	require.NotNil(t, best)
	assert.Equal(t, "only", best.ID)
}

func TestJournal_GetBestNode_NeverBuggyWhenOnlyGood(t *testing.T) {
	j := NewJournal("stage1_baseline", "run-1", nil, nil)
	j.Append(&Node{ID: "buggy", IsBuggy: true, Metric: &Metric{Value: map[string]any{"score": 100.0}, Maximize: true}})
	j.Append(goodNode("good", 1, 1.0))

	best := j.GetBestNode(context.Background(), true, false)
	require.NotNil(t, best)
	assert.Equal(t, "good", best.ID)
}

func TestJournal_GetBestNode_LLMTieBreak(t *testing.T) {
	emitter := &fakeEmitter{}
	selector := &fakeSelector{id: "b"}
	j := NewJournal("stage1_baseline", "run-1", selector, emitter)
	j.Append(goodNode("a", 0, 1.0))
	j.Append(goodNode("b", 1, 1.0))

	best := j.GetBestNode(context.Background(), true, false)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.ID)
	assert.Equal(t, 1, emitter.calls)
}

func TestJournal_GetBestNode_FallsBackOnLLMError(t *testing.T) {
	selector := &fakeSelector{err: errors.New("boom")}
	j := NewJournal("stage1_baseline", "run-1", selector, nil)
	j.Append(goodNode("low", 0, 1.0))
	j.Append(goodNode("high", 1, 2.0))

	best := j.GetBestNode(context.Background(), true, false)
	require.NotNil(t, best)
	assert.Equal(t, "high", best.ID)
	assert.NotEmpty(t, best.BestNodeReasoning)
}

func TestJournal_GetBestNode_ExcludesSeedNodesUnlessAllAreSeeds(t *testing.T) {
	j := NewJournal("stage1_baseline", "run-1", nil, nil)
	j.Append(&Node{ID: "seed", IsSeedNode: true, Metric: &Metric{Value: map[string]any{"score": 5.0}, Maximize: true}})

	best := j.GetBestNode(context.Background(), true, false)
	require.NotNil(t, best)
	assert.Equal(t, "seed", best.ID)
}

func TestJournal_GetBestNode_EmptyJournalReturnsNil(t *testing.T) {
	j := NewJournal("stage1_baseline", "run-1", nil, nil)
	assert.Nil(t, j.GetBestNode(context.Background(), true, false))
}

func TestJournal_GenerateSummary_IsDeterministic(t *testing.T) {
	j := NewJournal("stage1_baseline", "run-1", nil, nil)
	j.Append(goodNode("a", 0, 1.0))

	s1 := j.GenerateSummary(false)
	s2 := j.GenerateSummary(false)
	assert.Equal(t, s1, s2)
	assert.Contains(t, s1, "stage=stage1_baseline")
}
