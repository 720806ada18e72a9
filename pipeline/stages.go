// Package pipeline implements the workflow state machine and stage
// executor that drive a research job through the fixed stage sequence,
// checkpointing after every stage and suspending at HIL gates.
package pipeline

import (
	"github.com/BaSui01/researchflow/types"
)

// StageSpec binds a pipeline stage to the agent capability that
// performs it. Capabilities are resolved by name through the registry;
// there is no runtime reflection.
type StageSpec struct {
	Stage      types.Stage
	Capability string

	// FanOut marks stages whose sub-work is parallelizable. Retrieval
	// is the canonical case: one capability call per source, joined
	// with partial-success tolerance.
	FanOut bool
}

// stageTable maps every executable stage to its capability.
var stageTable = map[types.Stage]StageSpec{
	types.StagePlanning:     {Stage: types.StagePlanning, Capability: "query_understanding"},
	types.StageRetrieving:   {Stage: types.StageRetrieving, Capability: "retrieval_hub", FanOut: true},
	types.StageSynthesizing: {Stage: types.StageSynthesizing, Capability: "evidence_synthesis"},
	types.StageDrafting:     {Stage: types.StageDrafting, Capability: "drafting"},
	types.StageFactChecking: {Stage: types.StageFactChecking, Capability: "fact_checking"},
	types.StageVisualizing:  {Stage: types.StageVisualizing, Capability: "visualization"},
	types.StageReviewing:    {Stage: types.StageReviewing, Capability: "review_gate"},
	types.StageFormatting:   {Stage: types.StageFormatting, Capability: "formatting"},
}

// SpecFor returns the stage specification for an executable stage.
func SpecFor(stage types.Stage) (StageSpec, bool) {
	spec, ok := stageTable[stage]
	return spec, ok
}

// RequiredCapabilities returns the capability names the pipeline
// needs, in stage order. The daemon verifies them against the
// registry at startup.
func RequiredCapabilities() []string {
	out := make([]string, 0, len(stageTable))
	for _, stage := range types.PipelineStages() {
		out = append(out, stageTable[stage].Capability)
	}
	return out
}
