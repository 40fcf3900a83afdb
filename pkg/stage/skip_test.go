package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipCoordinator_RejectsWithNoActiveStage(t *testing.T) {
	c := NewSkipCoordinator()
	ok, reason := c.RequestStageSkip("because")
	assert.False(t, ok)
	assert.Equal(t, "no active stage", reason)
}

func TestSkipCoordinator_RejectsWhenNotSkippable(t *testing.T) {
	c := NewSkipCoordinator()
	c.PublishStageState("stage1_baseline", 1, false, "no working implementation yet")

	ok, reason := c.RequestStageSkip("impatient")
	assert.False(t, ok)
	assert.Equal(t, "no working implementation yet", reason)
}

func TestSkipCoordinator_RequestThenConsume(t *testing.T) {
	c := NewSkipCoordinator()
	c.PublishStageState("stage1_baseline", 1, true, "")

	ok, _ := c.RequestStageSkip("good enough")
	require.True(t, ok)
	assert.True(t, c.GetStageState().SkipPending)

	reason, ok := c.ConsumeSkipRequest("stage1_baseline")
	require.True(t, ok)
	assert.Equal(t, "good enough", reason)
	assert.False(t, c.GetStageState().SkipPending)

	_, ok = c.ConsumeSkipRequest("stage1_baseline")
	assert.False(t, ok, "a consumed request must not be servable twice")
}

func TestSkipCoordinator_PendingRequestDroppedOnStageChange(t *testing.T) {
	c := NewSkipCoordinator()
	c.PublishStageState("stage1_baseline", 1, true, "")
	ok, _ := c.RequestStageSkip("moving on")
	require.True(t, ok)

	c.PublishStageState("stage2_tuning", 2, false, "not ready")
	assert.False(t, c.GetStageState().SkipPending)

	_, ok = c.ConsumeSkipRequest("stage1_baseline")
	assert.False(t, ok)
}

func TestSkipCoordinator_DuplicateRequestIsIdempotent(t *testing.T) {
	c := NewSkipCoordinator()
	c.PublishStageState("stage1_baseline", 1, true, "")

	ok1, _ := c.RequestStageSkip("first reason")
	ok2, msg2 := c.RequestStageSkip("second reason")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Contains(t, msg2, "already pending")

	reason, ok := c.ConsumeSkipRequest("stage1_baseline")
	require.True(t, ok)
	assert.Equal(t, "first reason", reason)
}
