package types

// Stage is one named step of the fixed research pipeline, plus the
// lifecycle side states and the two HIL suspension sub-states.
type Stage string

const (
	StagePending      Stage = "pending"
	StagePlanning     Stage = "planning"
	StageRetrieving   Stage = "retrieving"
	StageSynthesizing Stage = "synthesizing"
	StageDrafting     Stage = "drafting"
	StageFactChecking Stage = "fact_checking"
	StageVisualizing  Stage = "visualizing"
	StageReviewing    Stage = "reviewing"
	StageFormatting   Stage = "formatting"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"

	// Suspension sub-states. Entered only when the job's HIL
	// configuration enables the corresponding gate.
	StageAwaitingPlanApproval  Stage = "awaiting_plan_approval"
	StageAwaitingFinalApproval Stage = "awaiting_final_approval"
)

// pipelineOrder is the fixed executable stage sequence. No stage is
// ever skipped or executed out of order.
var pipelineOrder = []Stage{
	StagePlanning,
	StageRetrieving,
	StageSynthesizing,
	StageDrafting,
	StageFactChecking,
	StageVisualizing,
	StageReviewing,
	StageFormatting,
}

// stageWeights are the per-stage shares of the overall progress
// fraction. They sum to 1.0; completing planning lands at 0.15.
var stageWeights = map[Stage]float64{
	StagePlanning:     0.15,
	StageRetrieving:   0.20,
	StageSynthesizing: 0.10,
	StageDrafting:     0.15,
	StageFactChecking: 0.15,
	StageVisualizing:  0.10,
	StageReviewing:    0.10,
	StageFormatting:   0.05,
}

// PipelineStages returns a copy of the executable stage sequence.
func PipelineStages() []Stage {
	out := make([]Stage, len(pipelineOrder))
	copy(out, pipelineOrder)
	return out
}

// StageIndex returns the position of s in the pipeline, or -1 when s
// is not an executable pipeline stage.
func StageIndex(s Stage) int {
	for i, st := range pipelineOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStage returns the stage following s. ok is false when s is the
// last pipeline stage or not a pipeline stage at all.
func NextStage(s Stage) (next Stage, ok bool) {
	i := StageIndex(s)
	if i < 0 || i+1 >= len(pipelineOrder) {
		return "", false
	}
	return pipelineOrder[i+1], true
}

// ProgressAfter returns the cumulative progress fraction once the
// given stage has completed.
func ProgressAfter(s Stage) float64 {
	i := StageIndex(s)
	if i < 0 {
		return 0
	}
	var sum float64
	for _, st := range pipelineOrder[:i+1] {
		sum += stageWeights[st]
	}
	if sum > 1.0 {
		sum = 1.0
	}
	return sum
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// IsSuspended reports whether s is a HIL suspension sub-state.
func (s Stage) IsSuspended() bool {
	return s == StageAwaitingPlanApproval || s == StageAwaitingFinalApproval
}

// IsExecutable reports whether s is one of the pipeline stages driven
// by the stage executor.
func (s Stage) IsExecutable() bool {
	return StageIndex(s) >= 0
}

// GatedStage returns the pipeline stage a suspension sub-state guards.
func (s Stage) GatedStage() (Stage, bool) {
	switch s {
	case StageAwaitingPlanApproval:
		return StagePlanning, true
	case StageAwaitingFinalApproval:
		return StageReviewing, true
	default:
		return "", false
	}
}
