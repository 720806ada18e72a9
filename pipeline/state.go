package pipeline

import (
	"encoding/json"

	"github.com/BaSui01/researchflow/types"
)

// State is the job-scoped working state threaded through every stage
// execution. It is serialized wholesale into each checkpoint, so any
// durable copy is sufficient to resume the pipeline.
type State struct {
	JobID       string             `json:"job_id"`
	Query       string             `json:"query"`
	Constraints types.Constraints  `json:"constraints"`
	Output      types.OutputConfig `json:"output"`

	// Feedback is the latest HIL request-changes text; it becomes
	// additional input to the re-run of the gated stage.
	Feedback string `json:"feedback,omitempty"`

	// Outputs holds the folded payload of every completed stage.
	Outputs map[types.Stage]json.RawMessage `json:"outputs"`
}

// NewState seeds the working state from a job's immutable inputs.
func NewState(job *types.Job) *State {
	return &State{
		JobID:       job.ID,
		Query:       job.Query,
		Constraints: job.Constraints,
		Output:      job.Output,
		Feedback:    job.Feedback,
		Outputs:     make(map[types.Stage]json.RawMessage),
	}
}

// LoadState decodes a checkpoint blob back into working state. A blob
// that does not decode is a corrupted checkpoint, fatal for the job.
func LoadState(blob json.RawMessage) (*State, error) {
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, types.NewError(types.ErrCheckpointCorrupt, "checkpoint state blob does not decode").
			WithCause(err)
	}
	if st.Outputs == nil {
		st.Outputs = make(map[types.Stage]json.RawMessage)
	}
	return &st, nil
}

// Marshal serializes the state for checkpointing.
func (s *State) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// Fold records a stage's output payload.
func (s *State) Fold(stage types.Stage, payload json.RawMessage) {
	s.Outputs[stage] = payload
}

// StageOutput returns the folded payload for a stage, or nil.
func (s *State) StageOutput(stage types.Stage) json.RawMessage {
	return s.Outputs[stage]
}
