package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kepler-labs/kepler/pkg/tree"
)

// nodeSelectionResponse is the decoded shape of a NodeSelectionResponse.
type nodeSelectionResponse struct {
	SelectedID string `json:"selected_id"`
	Reasoning  string `json:"reasoning"`
}

// BestNodeSelector adapts a Client into pkg/tree.BestNodeSelector.
type BestNodeSelector struct {
	Client        Client
	SystemMessage string
}

// SelectBestNode asks the LLM to pick the strongest candidate among nodes
// whose metric values are tied or otherwise ambiguous to compare directly.
func (s *BestNodeSelector) SelectBestNode(ctx context.Context, candidates []tree.CandidateInfo) (string, string, error) {
	var sb strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&sb, "id=%s metric=%s analysis=%s feedback=%s\n", c.ID, c.MetricText, c.Analysis, c.VLMFeedback)
	}

	var out nodeSelectionResponse
	systemMsg := s.SystemMessage
	if systemMsg == "" {
		systemMsg = "Select the strongest candidate experiment node and explain why."
	}
	if err := s.Client.StructuredQuery(ctx, systemMsg, sb.String(), &out); err != nil {
		return "", "", err
	}
	return out.SelectedID, out.Reasoning, nil
}
