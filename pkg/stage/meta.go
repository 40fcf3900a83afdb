// Package stage implements the stage controllers, the stage manager state
// machine, and the stage skip coordinator: the top-level loop that drives a
// run through Stage 1 Baseline, Stage 2 Tuning, Stage 3 Plotting, and
// Stage 4 Ablation, one sub-stage at a time.
package stage

import (
	"fmt"
	"strings"
)

// Meta is one configured stage's identity and budget.
type Meta struct {
	Identifier    string
	Goals         string
	MaxIterations int
	NumDrafts     int
}

var stageOrder = []string{
	"stage1_baseline",
	"stage2_tuning",
	"stage3_plotting",
	"stage4_ablation",
}

// Number returns the stage's 1-based position, or 0 if unrecognised.
func (m Meta) Number() int {
	for i, id := range stageOrder {
		if id == m.Identifier {
			return i + 1
		}
	}
	return 0
}

// Slug is the identifier with its numeric prefix and underscore stripped.
func (m Meta) Slug() string {
	parts := strings.SplitN(m.Identifier, "_", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return m.Identifier
}

// PrefixedName is "<number>_<slug>", the directory-safe display name.
func (m Meta) PrefixedName() string {
	return fmt.Sprintf("%d_%s", m.Number(), m.Slug())
}

// Next returns the identifier of the stage that follows m, or "" if m is
// the last stage.
func Next(identifier string) string {
	for i, id := range stageOrder {
		if id == identifier && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// First is the identifier a fresh run starts at.
const First = "stage1_baseline"
