package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineOrder(t *testing.T) {
	stages := PipelineStages()
	require.Len(t, stages, 8)
	assert.Equal(t, StagePlanning, stages[0])
	assert.Equal(t, StageFormatting, stages[len(stages)-1])

	// Each stage chains to the next; the last has no successor.
	for i := 0; i < len(stages)-1; i++ {
		next, ok := NextStage(stages[i])
		require.True(t, ok)
		assert.Equal(t, stages[i+1], next)
	}
	_, ok := NextStage(StageFormatting)
	assert.False(t, ok)
}

func TestNextStageNonPipeline(t *testing.T) {
	for _, s := range []Stage{StagePending, StageCompleted, StageFailed, StageCancelled, StageAwaitingPlanApproval} {
		_, ok := NextStage(s)
		assert.False(t, ok, "stage %s must have no successor", s)
	}
}

func TestProgressWeights(t *testing.T) {
	// Cumulative fraction is monotonically increasing and ends at 1.0.
	prev := 0.0
	for _, s := range PipelineStages() {
		p := ProgressAfter(s)
		assert.Greater(t, p, prev, "progress must increase at %s", s)
		prev = p
	}
	assert.InDelta(t, 1.0, ProgressAfter(StageFormatting), 1e-9)
	assert.InDelta(t, 0.15, ProgressAfter(StagePlanning), 1e-9)
}

func TestStagePredicates(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.True(t, StageCancelled.IsTerminal())
	assert.False(t, StageReviewing.IsTerminal())

	assert.True(t, StageAwaitingPlanApproval.IsSuspended())
	assert.True(t, StageAwaitingFinalApproval.IsSuspended())
	assert.False(t, StagePlanning.IsSuspended())

	gated, ok := StageAwaitingPlanApproval.GatedStage()
	require.True(t, ok)
	assert.Equal(t, StagePlanning, gated)
	gated, ok = StageAwaitingFinalApproval.GatedStage()
	require.True(t, ok)
	assert.Equal(t, StageReviewing, gated)
	_, ok = StageDrafting.GatedStage()
	assert.False(t, ok)
}

func TestErrorWrapping(t *testing.T) {
	cause := assert.AnError
	err := NewError(ErrStoreUnavailable, "append failed").
		WithCause(cause).
		WithRetryable(true).
		WithStage(StageRetrieving)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrStoreUnavailable, GetErrorCode(err))
	assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")

	assert.False(t, IsRetryable(assert.AnError))
	assert.Equal(t, ErrorCode(""), GetErrorCode(assert.AnError))
}
