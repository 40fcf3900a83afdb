package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kepler-labs/kepler/pkg/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	response any
	err      error
	gotUser  string
}

func (f *fakeClient) StructuredQuery(ctx context.Context, systemMessage, userMessage string, out any) error {
	f.gotUser = userMessage
	if f.err != nil {
		return f.err
	}
	raw, _ := json.Marshal(f.response)
	return json.Unmarshal(raw, out)
}

func (f *fakeClient) StructuredVisionQuery(ctx context.Context, systemMessage string, imagePaths []string, maxImages int, out any) error {
	return nil
}

func TestBestNodeSelector_ReturnsDecodedSelection(t *testing.T) {
	fc := &fakeClient{response: nodeSelectionResponse{SelectedID: "node-b", Reasoning: "better validation score"}}
	s := &BestNodeSelector{Client: fc}

	id, reasoning, err := s.SelectBestNode(context.Background(), []tree.CandidateInfo{
		{ID: "node-a", MetricText: "0.5"},
		{ID: "node-b", MetricText: "0.9"},
	})

	require.NoError(t, err)
	assert.Equal(t, "node-b", id)
	assert.Equal(t, "better validation score", reasoning)
	assert.Contains(t, fc.gotUser, "node-a")
	assert.Contains(t, fc.gotUser, "node-b")
}

func TestBestNodeSelector_PropagatesClientError(t *testing.T) {
	fc := &fakeClient{err: assert.AnError}
	s := &BestNodeSelector{Client: fc}

	_, _, err := s.SelectBestNode(context.Background(), []tree.CandidateInfo{{ID: "a"}})
	assert.Error(t, err)
}
