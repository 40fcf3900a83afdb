package stage

import (
	"fmt"
	"sync"
	"time"
)

// State is a read-only snapshot of the currently published stage state,
// consulted by the worker's pre-start skip check.
type State struct {
	StageName        string
	StageNumber      int
	CanBeSkipped      bool
	CannotSkipReason  string
	SkipPending       bool
	SkipReason        string
	UpdatedAt         time.Time
}

type skipRequest struct {
	stageName string
	reason    string
}

// SkipCoordinator holds the process-wide publishable stage state plus a
// single pending skip request, consumed once per iteration by the stage
// manager. Collapsed to a single sync.RWMutex-guarded struct since there is
// exactly one active stage at a time in this run.
type SkipCoordinator struct {
	mu      sync.RWMutex
	state   State
	pending *skipRequest
}

// NewSkipCoordinator returns a coordinator with no published stage.
func NewSkipCoordinator() *SkipCoordinator {
	return &SkipCoordinator{}
}

// ResetStageState returns to defaults and drops any pending request.
func (c *SkipCoordinator) ResetStageState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{}
	c.pending = nil
}

// ClearStageState is an alias for ResetStageState; the source distinguishes
// the two call sites (completion vs. teardown) but both have the same effect.
func (c *SkipCoordinator) ClearStageState() {
	c.ResetStageState()
}

// PublishStageState records the currently active stage and its skip
// eligibility. A pending request for a different stage is discarded.
func (c *SkipCoordinator) PublishStageState(stageName string, stageNumber int, canBeSkipped bool, cannotSkipReason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.stageName != stageName {
		c.pending = nil
	}
	c.state = State{
		StageName:       stageName,
		StageNumber:     stageNumber,
		CanBeSkipped:    canBeSkipped,
		CannotSkipReason: cannotSkipReason,
		SkipPending:     c.pending != nil,
		UpdatedAt:       time.Now(),
	}
	if c.pending != nil {
		c.state.SkipReason = c.pending.reason
	}
}

// RequestStageSkip is the operator-facing entry point. It rejects the
// request if there is no active stage or skipping is currently disallowed,
// deduplicates an already-pending request for the same stage, and otherwise
// records a new pending request.
func (c *SkipCoordinator) RequestStageSkip(reason string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.StageName == "" {
		return false, "no active stage"
	}
	if !c.state.CanBeSkipped {
		msg := "stage cannot be skipped right now"
		if c.state.CannotSkipReason != "" {
			msg = c.state.CannotSkipReason
		}
		return false, msg
	}
	if c.pending != nil && c.pending.stageName == c.state.StageName {
		return true, "skip already pending for this stage"
	}

	c.pending = &skipRequest{stageName: c.state.StageName, reason: reason}
	c.state.SkipPending = true
	c.state.SkipReason = reason
	c.state.UpdatedAt = time.Now()
	return true, fmt.Sprintf("skip requested for %s", c.state.StageName)
}

// ConsumeSkipRequest is the single-consumer read: it returns the reason and
// clears the pending flag iff the request's stage matches stageName.
func (c *SkipCoordinator) ConsumeSkipRequest(stageName string) (reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.stageName != stageName {
		return "", false
	}
	reason = c.pending.reason
	c.pending = nil
	c.state.SkipPending = false
	c.state.SkipReason = ""
	return reason, true
}

// GetStageState returns a snapshot of the published state.
func (c *SkipCoordinator) GetStageState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
