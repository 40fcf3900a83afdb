package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kepler-labs/kepler/pkg/llm"
	"github.com/kepler-labs/kepler/pkg/worker"
)

const proposeRetries = 5

type ideaResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProposeHyperparamIdea asks the feedback LLM for a Stage 2 tuning idea that
// has not already been tried in this run, retrying on an empty or
// already-tried name.
func (a *Agent) ProposeHyperparamIdea(ctx context.Context, client llm.Client, journalSummary string) (*worker.Idea, error) {
	return a.proposeIdea(ctx, client, journalSummary, a.triedHyperparams,
		"Propose a new hyperparameter to tune that has not already been tried.")
}

// ProposeAblationIdea is ProposeHyperparamIdea for Stage 4 ablations.
func (a *Agent) ProposeAblationIdea(ctx context.Context, client llm.Client, journalSummary string) (*worker.Idea, error) {
	return a.proposeIdea(ctx, client, journalSummary, a.triedAblations,
		"Propose a new ablation to run that has not already been tried.")
}

func (a *Agent) proposeIdea(ctx context.Context, client llm.Client, journalSummary string, tried map[string]bool, instruction string) (*worker.Idea, error) {
	a.mu.Lock()
	triedNames := sortedKeys(tried)
	a.mu.Unlock()

	var last error
	for attempt := 0; attempt < proposeRetries; attempt++ {
		var resp ideaResponse
		user := fmt.Sprintf("%s\n\nAlready tried: %s\n\nJournal summary:\n%s",
			instruction, strings.Join(triedNames, ", "), journalSummary)

		if err := client.StructuredQuery(ctx, "You propose experiment ideas as JSON with name and description.", user, &resp); err != nil {
			last = err
			continue
		}
		name := strings.TrimSpace(resp.Name)
		if name == "" {
			last = fmt.Errorf("search: idea proposer returned an empty name")
			continue
		}

		a.mu.Lock()
		alreadyTried := tried[name]
		if !alreadyTried {
			tried[name] = true
		}
		a.mu.Unlock()
		if alreadyTried {
			last = fmt.Errorf("search: idea proposer repeated already-tried name %q", name)
			continue
		}

		return &worker.Idea{Name: name, Description: resp.Description, TriedNames: triedNames}, nil
	}

	// Exhausted every retry without a usable new name: fall back to the
	// documented default idea rather than leaving the attempt without one.
	slog.Warn("idea proposer exhausted retries, using default idea", "attempts", proposeRetries, "error", last)
	return &worker.Idea{Name: defaultIdeaName, Description: defaultIdeaDescription, TriedNames: triedNames}, nil
}

const (
	defaultIdeaName        = "increase epochs"
	defaultIdeaDescription = "increase epochs"
)

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
